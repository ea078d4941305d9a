// Package cli implements the dossier-cache CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/codec"
	"github.com/rcliao/dossier-cache/internal/config"
	"github.com/rcliao/dossier-cache/internal/dossier"
	"github.com/rcliao/dossier-cache/internal/logging"
	"github.com/rcliao/dossier-cache/internal/metrics"
	"github.com/rcliao/dossier-cache/internal/store"
)

var (
	dbPath      string
	formatFlag  string
	configPath  string
	metricsAddr string
	logLevel    string

	cfg           *config.Config
	metricsServer *http.Server
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "dossier-cache",
	Short: "Ingest and browse dossier archives",
	Long:  "Ingest ZIP dossiers into a local SQLite cache and read them back by path or pattern.",

	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $DOSSIER_CACHE_DB or ~/.dossier-cache/dossier.db)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $DOSSIER_CACHE_CONFIG)")
	RootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		c.Store.Path = dbPath
	}
	if metricsAddr != "" {
		c.Metrics.Addr = metricsAddr
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	cfg = c

	if _, err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.L().Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		metricsServer.Shutdown(ctx)
	}
	logging.Sync()
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Store.Path, store.Options{
		BatchSize: cfg.Store.BatchSize,
		Codec: codec.New(codec.Options{
			MinSize:         cfg.Codec.MinSize,
			StreamThreshold: cfg.Codec.StreamThreshold,
			Level:           cfg.Codec.Level,
		}),
		Logger: logging.L(),
	})
}

// openService opens the store and builds a service on top of it. The
// returned func releases both.
func openService() (*dossier.Service, func(), error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	svc, err := dossier.New(cfg, st, logging.L())
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("create service: %w", err)
	}
	return svc, func() {
		svc.Close()
		st.Close()
	}, nil
}

func textOutput() bool {
	return formatFlag == "text"
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	logging.Sync()
	os.Exit(1)
}
