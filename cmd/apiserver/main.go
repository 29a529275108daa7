// Command apiserver runs the Vigil remote API front-end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/config"
	"example.com/vigil/internal/handlers/events"
	"example.com/vigil/internal/handlers/status"
	"example.com/vigil/internal/logger"
	"example.com/vigil/internal/server"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "apiserver",
		Short:         "Vigil remote API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (TOML or JSON)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Vigil " + server.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("a configuration file must be provided via --config")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	users := auth.NewStaticDirectory()
	for _, uc := range cfg.Users {
		perms := make([]auth.Permission, 0, len(uc.Permissions))
		for _, p := range uc.Permissions {
			perms = append(perms, auth.Permission{Pattern: p})
		}
		users.Upsert(&auth.User{Name: uc.Name, Password: uc.Password, Permissions: perms})
	}

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)

	registry := server.NewHandlerRegistry()

	srv, err := server.NewServer(cfg, log, users, registry, metrics)
	if err != nil {
		return err
	}

	if err := registry.Register("/v1/status", status.New(srv.Registry(), srv.Gate())); err != nil {
		return err
	}
	if err := registry.Register("/v1/events", events.New()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.MetricsAddress != nil && *cfg.Server.MetricsAddress != "" {
		go serveMetrics(*cfg.Server.MetricsAddress, log)
	}

	log.Info("Starting Vigil API server", logger.LogFields{"version": server.Version})

	if err := srv.Serve(ctx); err != nil {
		log.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}

	log.Info("Server has shut down gracefully")
	return nil
}

func serveMetrics(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("Metrics endpoint failed", logger.LogFields{"error": err.Error()})
	}
}
