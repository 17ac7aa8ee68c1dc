// Command nvrstore runs the recording storage engine and its offline
// maintenance tools.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Per-component levels come from the logLevels config key
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nvrstore/internal/backup"
	"nvrstore/internal/config"
	configfile "nvrstore/internal/config/file"
	"nvrstore/internal/diskmanager"
	"nvrstore/internal/home"
	"nvrstore/internal/logging"
	"nvrstore/internal/metrics"
	"nvrstore/internal/notify"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for per-component levels.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:           "nvrstore",
		Short:         "NVR recording storage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060), bind to loopback only")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the storage engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			hd, s, err := loadSettings(ctx, cmd)
			if err != nil {
				return err
			}
			applyLogLevels(filterHandler, s)
			return run(ctx, logger, hd, s)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd,
		newRecoverCmd(logger), newRebuildCmd(logger), newSearchCmd(logger),
		newExportCmd(logger), newInspectCmd(), newArchiveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// loadSettings reads <home>/config.json, falling back to the defaults.
func loadSettings(ctx context.Context, cmd *cobra.Command) (home.Dir, *config.Settings, error) {
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return home.Dir{}, nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg, err := configfile.NewStore(hd.ConfigPath()).LoadOrDefault(ctx)
	if err != nil {
		return home.Dir{}, nil, err
	}
	s, err := cfg.Resolve()
	if err != nil {
		return home.Dir{}, nil, fmt.Errorf("%s: %w", hd.ConfigPath(), err)
	}
	return hd, s, nil
}

func applyLogLevels(h *logging.ComponentFilterHandler, s *config.Settings) {
	for component, level := range s.LogLevels {
		h.SetLevel(component, level)
	}
}

func run(ctx context.Context, logger *slog.Logger, hd home.Dir, s *config.Settings) error {
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root())

	m := metrics.New()
	dmCfg := diskmanager.Config{
		Settings: s,
		Home:     hd,
		Metrics:  m,
		Logger:   logger,
	}

	if s.MQTT != nil {
		clientID := s.MQTT.ClientID
		if clientID == "" {
			id, err := hd.DeviceID()
			if err != nil {
				return err
			}
			clientID = id
		}
		pub, err := notify.NewMQTTPublisher(notify.MQTTConfig{
			Broker:   s.MQTT.Broker,
			Topic:    s.MQTT.Topic,
			ClientID: clientID,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer pub.Close()
		dmCfg.Publisher = pub
	}

	if s.ObjectStore != nil {
		up, err := backup.NewS3Uploader(ctx, *s.ObjectStore, logger)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		dmCfg.Uploader = up
	}

	dm, err := diskmanager.New(dmCfg)
	if err != nil {
		return err
	}
	if err := dm.Init(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv = &http.Server{Addr: s.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", s.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	return dm.DeInit(shutdownCtx)
}
