// Package upload periodically ships reading snapshots to a remote sink.
// Uploads are best effort: failures are logged and counted, never retried and
// never reported back to the connection worker.
package upload

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/groutine"
	"github.com/srg/biomon/internal/reading"
)

// Payload is the flat JSON document sent to every sink
type Payload struct {
	Connected     bool      `json:"connected"`
	LedOn         bool      `json:"led_on"`
	HeartRate     int       `json:"heart_rate"`
	Temperature   float64   `json:"temperature"`
	BreathingRate float64   `json:"breathing_rate"`
	Transport     string    `json:"transport"`
	SampledAt     time.Time `json:"sampled_at"`
}

// NewPayload captures snap. at is used when the snapshot has never been updated.
func NewPayload(snap reading.Snapshot, at time.Time) Payload {
	sampled := snap.Updated
	if sampled.IsZero() {
		sampled = at
	}
	return Payload{
		Connected:     snap.Connected,
		LedOn:         snap.LedOn,
		HeartRate:     snap.HeartRate,
		Temperature:   snap.Temperature,
		BreathingRate: snap.BreathingRate,
		Transport:     string(snap.Transport),
		SampledAt:     sampled.UTC(),
	}
}

// Sink delivers one payload
type Sink interface {
	Name() string
	Send(ctx context.Context, p Payload) error
	Close() error
}

// Source provides the snapshot to upload; *monitor.Monitor satisfies it
type Source interface {
	Snapshot() reading.Snapshot
}

// Stats counts uploader activity
type Stats struct {
	Captured    uint64
	Sent        uint64
	Failed      uint64
	Overwritten uint64
}

// Uploader captures a snapshot every interval into a bounded queue that a
// sender goroutine drains into the sink. When the sink is slower than the
// interval the oldest queued payloads are overwritten.
type Uploader struct {
	source   Source
	sink     Sink
	interval time.Duration
	logger   *logrus.Logger

	queue  mpmc.RichOverlappedRingBuffer[Payload]
	notify chan struct{}

	captured    atomic.Uint64
	sent        atomic.Uint64
	failed      atomic.Uint64
	overwritten atomic.Uint64
}

func New(source Source, sink Sink, interval time.Duration, queueSize int, logger *logrus.Logger) *Uploader {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Uploader{
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger,
		queue:    mpmc.NewOverlappedRingBuffer[Payload](uint32(queueSize)),
		notify:   make(chan struct{}, 1),
	}
}

// Run captures and sends until ctx is done. Payloads still queued at that
// point are dropped.
func (u *Uploader) Run(ctx context.Context) error {
	senderDone := groutine.Go(ctx, "upload-sender", u.drain)
	defer func() { <-senderDone }()

	u.logger.WithFields(logrus.Fields{
		"sink":     u.sink.Name(),
		"interval": u.interval,
	}).Info("Uploader started")

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			u.logger.WithField("sink", u.sink.Name()).Debug("Uploader stopped")
			return nil
		case now := <-ticker.C:
			u.Capture(now)
		}
	}
}

// Capture enqueues the current snapshot for upload
func (u *Uploader) Capture(now time.Time) {
	p := NewPayload(u.source.Snapshot(), now)
	overwrites, err := u.queue.EnqueueM(p)
	if err != nil {
		u.logger.WithField("error", err).Error("Failed to queue upload payload")
		return
	}
	u.captured.Add(1)
	if overwrites > 0 {
		u.overwritten.Add(uint64(overwrites))
		u.logger.WithField("overwritten", overwrites).Debug("Upload queue full, dropped oldest payload")
	}
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

func (u *Uploader) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.notify:
		}

		for !u.queue.IsEmpty() {
			p, err := u.queue.Dequeue()
			if err != nil {
				break
			}
			if err := u.sink.Send(ctx, p); err != nil {
				if ctx.Err() != nil {
					return
				}
				u.failed.Add(1)
				u.logger.WithFields(logrus.Fields{
					"sink":  u.sink.Name(),
					"error": err,
				}).Warn("Upload failed")
				continue
			}
			u.sent.Add(1)
		}
	}
}

func (u *Uploader) Stats() Stats {
	return Stats{
		Captured:    u.captured.Load(),
		Sent:        u.sent.Load(),
		Failed:      u.failed.Load(),
		Overwritten: u.overwritten.Load(),
	}
}
