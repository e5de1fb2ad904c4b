// Package main provides the CLI entry point for stungather.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/icetk/stungather/internal/config"
	"github.com/icetk/stungather/internal/harvest"
	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/stunserver"
	"github.com/icetk/stungather/internal/transport"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stungather",
		Short: "stungather - STUN candidate discovery tool",
		Long: `stungather discovers the ICE candidates of this host by running
STUN Binding transactions against one or more servers, over UDP
and TCP.

It can also run as a minimal STUN server answering Binding
requests with the peer's reflexive address.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(gatherCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func gatherCmd() *cobra.Command {
	var (
		configPath string
		servers    []string
		transports string
	)

	cmd := &cobra.Command{
		Use:   "gather",
		Short: "Gather candidates from STUN servers",
		Long:  "Bind local endpoints, query the configured STUN servers, and print the discovered candidates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			for _, s := range servers {
				cfg.Servers = append(cfg.Servers, config.ServerConfig{Address: s, Transport: transports})
			}
			if len(cfg.Servers) == 0 {
				return fmt.Errorf("no STUN servers configured; use --server or a config file")
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address)
			}

			stack := harvest.NewStack(
				harvest.Config{
					RTO:                cfg.Transaction.RTO,
					MaxRetransmissions: cfg.Transaction.MaxRetransmissions,
					ConnectTimeout:     cfg.Transaction.ConnectTimeout,
				},
				transport.Options{
					SharedAcceptor:    cfg.Transport.SharedAcceptor,
					AggressiveReset:   cfg.Transport.AggressiveReset,
					AcceptorTimeout:   cfg.Transport.AcceptorTimeout,
					ReceiveBufferSize: cfg.Transport.ReceiveBufferSize,
					ReceiveQueueSize:  cfg.Transport.ReceiveQueueSize,
				},
				logger, nil)
			defer stack.Close()

			component := ice.NewComponent(1)
			for _, addr := range cfg.Local.Addresses {
				local, err := ice.ResolveTransportAddress(addr, ice.TransportUDP)
				if err != nil {
					return err
				}
				host, err := stack.AddSocket(local, component.ID)
				if err != nil {
					return fmt.Errorf("bind %s: %w", addr, err)
				}
				fmt.Printf("local: %s\n", host.ShortString())
			}

			for _, srv := range cfg.Servers {
				tr, err := ice.ParseTransport(srv.Transport)
				if err != nil {
					return err
				}
				server, err := ice.ResolveTransportAddress(srv.Address, tr)
				if err != nil {
					return err
				}

				hv := harvest.NewHarvester(stack, server)
				start := time.Now()
				found := hv.Harvest(component)
				fmt.Printf("%s: %d candidate(s) in %s\n", hv, len(found), time.Since(start).Round(time.Millisecond))
				for _, c := range found {
					fmt.Printf("  %s\n", c.ShortString())
				}
			}

			fmt.Println()
			fmt.Println("all candidates:")
			for _, c := range component.LocalCandidates() {
				fmt.Printf("  %s\n", c.ShortString())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringSliceVarP(&servers, "server", "s", nil, "STUN server address (host:port), repeatable")
	cmd.Flags().StringVarP(&transports, "transport", "t", "udp", "Transport for --server entries (udp or tcp)")

	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		address    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a STUN server",
		Long:  "Answer STUN Binding requests on UDP and TCP with the peer's reflexive address.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Responder.Address = address
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address)
			}

			srv := stunserver.New(logger)
			if err := srv.Listen(cfg.Responder.Address); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("STUN server listening on %s (udp+tcp)\n", srv.LocalAddress().HostPort())
			fmt.Printf("receive buffer: %s\n", humanize.IBytes(uint64(cfg.Transport.ReceiveBufferSize)))

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := srv.Close(); err != nil {
				return err
			}
			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (overrides config)")

	return cmd
}

// loadConfig loads the file when given, defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "metrics endpoint failed: %v\n", err)
	}
}
