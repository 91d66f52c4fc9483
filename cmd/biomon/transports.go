package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/biomon/internal/link/cable"
)

var transportsCmd = &cobra.Command{
	Use:   "transports",
	Short: "List transport types and serial ports",
	Long: `Lists the transport types accepted by transport.type and --transport,
in the order they are tried, followed by the serial ports currently present.`,
	Args: cobra.NoArgs,
	RunE: runTransports,
}

var listSerialPorts = cable.ListPorts

func runTransports(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry := newRegistry(configureLogger(cmd, cfg))
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Transports:")
	for _, t := range registry.Types() {
		marker := " "
		if t == cfg.Transport.Type {
			marker = "*"
		}
		fmt.Fprintf(out, " %s %s\n", marker, t)
	}

	fmt.Fprintln(out, "Serial ports:")
	ports, err := listSerialPorts()
	switch {
	case err != nil:
		fmt.Fprintf(out, "   unavailable: %v\n", err)
	case len(ports) == 0:
		fmt.Fprintln(out, "   (none)")
	default:
		for _, p := range ports {
			fmt.Fprintf(out, "   %s\n", p)
		}
	}
	return nil
}
