package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/biomon/internal/groutine"
	"github.com/srg/biomon/internal/reading"
	"github.com/srg/biomon/internal/upload"
	"github.com/srg/biomon/pkg/config"
	"github.com/srg/biomon/pkg/monitor"
	"golang.org/x/term"
)

const clearLineSequence = "\r\033[K"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the sensor board and display readings",
	Long: `Starts the connection worker and prints the latest readings until
interrupted. The worker reconnects on its own when the link drops; it only
stops on an unexpected fault, which is reported as the command error.

Examples:
  # Use the transport from the config file
  biomon run --config biomon.yaml

  # Try the simulated board with the LED on
  biomon run --transport sim --led

  # Run for a minute, refreshing twice a second
  biomon run --transport cable --duration 1m --interval 500ms`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	runTransport string
	runLED       bool
	runInterval  time.Duration
	runDuration  time.Duration
	runNoUpload  bool
)

func init() {
	runCmd.Flags().StringVar(&runTransport, "transport", "", "Transport type (see 'biomon transports'); overrides the config file")
	runCmd.Flags().BoolVar(&runLED, "led", false, "Turn the board status LED on")
	runCmd.Flags().DurationVar(&runInterval, "interval", time.Second, "Status refresh interval")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (0 = until interrupted)")
	runCmd.Flags().BoolVar(&runNoUpload, "no-upload", false, "Disable the configured upload sink")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runTransport != "" {
		cfg.Transport.Type = runTransport
	}
	if runNoUpload {
		cfg.Upload.Sink = ""
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if runInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	logger := configureLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	m := monitor.New(newRegistry(logger), cfg.MonitorOptions(), logger)
	m.SetLedOn(runLED)

	stopUpload, err := startUpload(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer stopUpload()

	m.Start()
	defer m.Stop()
	sub := m.Watch()
	defer sub.Close()

	d := newStatusDisplay(cmd.OutOrStdout(), func() string { return m.State().String() })
	fmt.Fprintf(d.out, "Waiting for the sensor board (%s)...\n", cfg.Transport.Type)
	d.waiting()

	ticker := time.NewTicker(runInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.finish()
			return nil
		case ev := <-sub.Events():
			d.edge(ev)
		case <-ticker.C:
			if !m.Running() {
				d.finish()
				return m.Err()
			}
			d.status(m.Snapshot(), m.LedStatus())
		}
	}
}

// startUpload runs the configured uploader until ctx is done. The returned
// func waits for it and closes the sink.
func startUpload(ctx context.Context, cfg *config.Config, m *monitor.Monitor, logger *logrus.Logger) (func(), error) {
	sink, err := upload.NewSink(cfg.Upload)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return func() {}, nil
	}

	u := upload.New(m, sink, cfg.Upload.Interval, cfg.Upload.QueueSize, logger)
	uctx, cancel := context.WithCancel(ctx)
	done := groutine.Go(uctx, "uploader", func(ctx context.Context) {
		_ = u.Run(ctx)
	})
	return func() {
		cancel()
		<-done
		stats := u.Stats()
		logger.WithFields(logrus.Fields{
			"sink":        sink.Name(),
			"sent":        stats.Sent,
			"failed":      stats.Failed,
			"overwritten": stats.Overwritten,
		}).Info("Uploader stopped")
		if err := sink.Close(); err != nil {
			logger.WithField("error", err).Warn("Failed to close upload sink")
		}
	}, nil
}

// statusDisplay rewrites a single status line on a terminal and prints one
// line per refresh otherwise. On a terminal a progress line with the worker
// state replaces the status line while the board is away.
type statusDisplay struct {
	out      io.Writer
	inPlace  bool
	dirty    bool
	phase    func() string
	progress *ProgressPrinter
}

func newStatusDisplay(out io.Writer, phase func() string) *statusDisplay {
	inPlace := false
	if f, ok := out.(*os.File); ok {
		inPlace = term.IsTerminal(int(f.Fd()))
	}
	return &statusDisplay{out: out, inPlace: inPlace, phase: phase}
}

// waiting shows the progress line until the next connect edge
func (d *statusDisplay) waiting() {
	if !d.inPlace || d.progress != nil {
		return
	}
	d.endLine()
	d.progress = NewProgressPrinter(d.out, "Waiting for the sensor board", d.phase)
	d.progress.Start()
}

func (d *statusDisplay) stopProgress() {
	if d.progress != nil {
		d.progress.Stop()
		d.progress = nil
	}
}

func (d *statusDisplay) status(s reading.Snapshot, led bool) {
	if !d.inPlace {
		fmt.Fprintln(d.out, formatStatus(s, led))
		return
	}
	if !s.Connected {
		d.waiting()
		return
	}
	d.stopProgress()
	fmt.Fprint(d.out, clearLineSequence+formatStatus(s, led))
	d.dirty = true
}

func (d *statusDisplay) edge(ev monitor.Event) {
	d.finish()
	fmt.Fprintln(d.out, formatEdge(ev))
	if !ev.Connected {
		d.waiting()
	}
}

// finish stops the progress line and ends a pending status line
func (d *statusDisplay) finish() {
	d.stopProgress()
	d.endLine()
}

func (d *statusDisplay) endLine() {
	if d.dirty {
		fmt.Fprintln(d.out)
		d.dirty = false
	}
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	downColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func formatStatus(s reading.Snapshot, led bool) string {
	state := downColor.Sprint("disconnected")
	if s.Connected {
		state = okColor.Sprint("connected")
	}
	ledState := "off"
	if led {
		ledState = "on"
	}
	return fmt.Sprintf("%-12s %-9s HR %3d bpm  T %5.1f°C  BR %5.3fV  LED %s",
		state, s.Transport, s.HeartRate, s.Temperature, s.BreathingRate, ledState)
}

func formatEdge(ev monitor.Event) string {
	at := dimColor.Sprint(ev.At.Format("15:04:05"))
	if ev.Connected {
		return fmt.Sprintf("%s Board connected via %s", at, ev.Snapshot.Transport)
	}
	return fmt.Sprintf("%s Board disconnected", at)
}
