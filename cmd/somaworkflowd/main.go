package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isadenghien/soma-workflow/pkg/drm"
	"github.com/isadenghien/soma-workflow/pkg/engine"
	"github.com/isadenghien/soma-workflow/pkg/events"
	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/metrics"
	"github.com/isadenghien/soma-workflow/pkg/resolver"
	"github.com/isadenghien/soma-workflow/pkg/store"
	"github.com/isadenghien/soma-workflow/pkg/sweeper"
	"github.com/isadenghien/soma-workflow/pkg/transfer"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "somaworkflowd",
	Short:   "somaworkflowd runs the workflow and job scheduling daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("somaworkflowd version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduling daemon",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().String("data-dir", "./data", "directory holding the BoltDB state file and transfer bytes")
	runCmd.Flags().String("translation-table", "", "path to the YAML site translation table")
	runCmd.Flags().String("drm", "local", "DRM adapter to use: local or containerd")
	runCmd.Flags().String("containerd-socket", drm.DefaultSocketPath, "containerd control socket, when --drm=containerd")
	runCmd.Flags().String("containerd-image", "", "OCI image DRM templates run inside, when --drm=containerd")
	runCmd.Flags().String("sweep-cron", "", "cron expression for the expiration sweeper (default: ticker fallback)")
	runCmd.Flags().Duration("sweep-interval", sweeper.DefaultTickInterval, "ticker fallback cadence for the sweeper")
	runCmd.Flags().Int("per-user-drm-cap", engine.DefaultConfig().PerUserDRMCap, "max simultaneously in-DRM jobs per user")
	runCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	translationPath, _ := cmd.Flags().GetString("translation-table")
	drmKind, _ := cmd.Flags().GetString("drm")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	containerdImage, _ := cmd.Flags().GetString("containerd-image")
	sweepCron, _ := cmd.Flags().GetString("sweep-cron")
	sweepInterval, _ := cmd.Flags().GetDuration("sweep-interval")
	perUserCap, _ := cmd.Flags().GetInt("per-user-drm-cap")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var translation resolver.Translation
	if translationPath != "" {
		translation, err = resolver.LoadTranslation(translationPath)
		if err != nil {
			return err
		}
	}
	res := resolver.New(st, translation, dataDir+"/tmp")

	var adapter drm.Adapter
	switch drmKind {
	case "containerd":
		adapter, err = drm.NewContainerdAdapter(containerdSocket, containerdImage)
		if err != nil {
			return fmt.Errorf("init containerd adapter: %w", err)
		}
	default:
		adapter = drm.NewLocalAdapter()
	}

	xfer := transfer.New(st, dataDir+"/transfers")
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	cfg := engine.DefaultConfig()
	cfg.PerUserDRMCap = perUserCap
	eng := engine.New(st, res, adapter, xfer, broker, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	sw := sweeper.New(st, eng, xfer, sweepCron, sweepInterval)
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sw.Stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server stopped")
			}
		}()
	}

	log.Logger.Info().Str("data_dir", dataDir).Str("drm", drmKind).Msg("somaworkflowd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	time.Sleep(100 * time.Millisecond) // let in-flight cycles finish their current entity
	return nil
}
