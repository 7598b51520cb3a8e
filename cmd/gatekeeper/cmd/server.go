package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glgcapital/gatekeeper/api"
	"github.com/glgcapital/gatekeeper/config"
	"github.com/glgcapital/gatekeeper/gatekeeper"
	"github.com/glgcapital/gatekeeper/internal/util"
	"github.com/glgcapital/gatekeeper/storage"
)

var (
	configPath string
	envFile    string
	port       int
	dataDir    string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gatekeeper server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, envFile)
		if err != nil {
			return err
		}
		applyServerFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger := cfg.Logger(os.Stderr)
		slog.SetDefault(logger)

		repo, err := openRepository(cmd.Context(), cfg.Storage, nil)
		if err != nil {
			return err
		}
		defer repo.Close()

		srvApp, err := newApp(cfg, repo, prometheus.NewRegistry(), logger)
		if err != nil {
			return err
		}

		tlsConfig, err := loadTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, logger)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:           srvApp.handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}

		srvApp.gk.Start()

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server listening",
			slog.String("addr", server.Addr),
			slog.String("storage", cfg.Storage.Driver),
			slog.Bool("metrics", cfg.Metrics.Enabled))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		var serveErr error
		select {
		case sig := <-quit:
			logger.Info("shutting down", slog.String("signal", sig.String()))
		case serveErr = <-done:
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			serveErr = errors.Join(serveErr, fmt.Errorf("server shutdown failed: %w", err))
		}
		if err := srvApp.shutdown(ctx); err != nil {
			serveErr = errors.Join(serveErr, err)
		}
		return serveErr
	},
}

// applyServerFlags copies explicitly set flags over the loaded config.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.Server.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.Server.TLSKey = tlsKey
	}
}

// app bundles the wired server components.
type app struct {
	handler http.Handler
	gk      *gatekeeper.Gatekeeper
	webhook *gatekeeper.AlertWebhook
}

// shutdown stops the sweeper and drains pending alerts.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.gk.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gatekeeper shutdown failed: %w", err))
	}
	if a.webhook != nil {
		if err := a.webhook.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("alert webhook shutdown failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newApp wires the gatekeeper, the API and the operational endpoints into
// a single router. The gatekeeper's sweeper is not started.
func newApp(cfg *config.Config, repo storage.CredentialRepository, reg *prometheus.Registry, logger *slog.Logger) (*app, error) {
	gkCfg, err := cfg.Gatekeeper()
	if err != nil {
		return nil, err
	}

	a := &app{}
	if cfg.Alerts.WebhookURL != "" {
		a.webhook = gatekeeper.NewAlertWebhook(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookAuthHeader, logger)
	}
	alertLogger := logger.With("component", "alerts")
	opts := []gatekeeper.Option{
		gatekeeper.WithLogger(logger),
		gatekeeper.WithAlertFunc(func(ev gatekeeper.AlertEvent) {
			alertLogger.Warn("anomaly detected",
				slog.String("type", string(ev.Type)),
				slog.Int("count", ev.Count),
				slog.Int("threshold", ev.Threshold))
			if a.webhook != nil {
				a.webhook.Notify(ev)
			}
		}),
	}
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, gatekeeper.WithRegistry(reg))
	}

	a.gk, err = gatekeeper.New(gkCfg, repo, opts...)
	if err != nil {
		if a.webhook != nil {
			a.webhook.Close(context.Background())
		}
		return nil, fmt.Errorf("failed to create gatekeeper: %w", err)
	}
	apiHandler := api.New(a.gk, repo, api.WithLogger(logger))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.DebugContext(r.Context(), "writing health response", "error", err)
		}
	})
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Mount("/api", apiHandler.Router())
	a.handler = r
	return a, nil
}

func loadTLSConfig(certFile, keyFile string, logger *slog.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	serverCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored if missing)")
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
