package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"spotthebot/internal"
	"spotthebot/internal/config"
	"spotthebot/internal/kv"
	"spotthebot/internal/worker"
)

var (
	configPath string
	verbose    bool
	topN       int
	minCount   int

	rootCmd = &cobra.Command{
		Use:           "spotthebot",
		Short:         "Game server for telling people from bots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the housekeeping worker",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}

	markersCmd = &cobra.Command{
		Use:       "markers best|worst|popular",
		Short:     "Print marker rankings",
		Long:      "Print marker rankings. With the badger backend the server must not be running.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"best", "worst", "popular"},
		RunE:      printMarkers,
	}

	evictCmd = &cobra.Command{
		Use:   "evict",
		Short: "Trim the marker store down to its capacity",
		Args:  cobra.NoArgs,
		RunE:  evict,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	markersCmd.Flags().IntVarP(&topN, "top", "n", 10, "number of markers to print")
	markersCmd.Flags().IntVar(&minCount, "min-count", -1, "usage floor for best and worst (default from config)")

	rootCmd.AddCommand(serveCmd, markersCmd, evictCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// logLevel is shared by every logger so a config reload can change it.
var logLevel = zap.NewAtomicLevel()

func setLevel(level string) error {
	if verbose {
		level = "debug"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	logLevel.SetLevel(lvl)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	if err := setLevel(level); err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = logLevel
	return zcfg.Build()
}

// setup loads the config and opens the store every command works on.
func setup(ctx context.Context) (config.Config, *zap.Logger, kv.Store, []worker.Task, error) {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	store, tasks, err := internal.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	return cfg, log, store, tasks, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, store, tasks, err := setup(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer store.Close()

	app, err := internal.NewApp(store, cfg, log)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           internal.NewRouter(cfg, app, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	housekeeping := worker.New(cfg.Worker.Interval, log,
		append([]worker.Task{worker.EvictionTask(app.Markers)}, tasks...)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("backend", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return housekeeping.Run(gctx)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, os.Getenv, log, func(next config.Config) {
				if err := setLevel(next.LogLevel); err != nil {
					log.Warn("bad log level", zap.Error(err))
				}
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func printMarkers(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, log, store, _, err := setup(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer store.Close()

	app, err := internal.NewApp(store, cfg, log)
	if err != nil {
		return err
	}
	floor := minCount
	if floor < 0 {
		floor = cfg.Markers.MinCount
	}

	var out any
	switch args[0] {
	case "best":
		out, err = app.Markers.MostSuccessful(ctx, topN, floor)
	case "worst":
		out, err = app.Markers.LeastSuccessful(ctx, topN, floor)
	case "popular":
		out, err = app.Markers.ByCount(ctx, topN)
	default:
		return fmt.Errorf("unknown ranking %q", args[0])
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func evict(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, log, store, _, err := setup(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer store.Close()

	app, err := internal.NewApp(store, cfg, log)
	if err != nil {
		return err
	}
	n, err := app.Markers.Evict(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "evicted %d markers\n", n)
	return nil
}
