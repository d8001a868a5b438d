package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/acecore/pkg/config"
	"github.com/cuemby/acecore/pkg/log"
	"github.com/cuemby/acecore/pkg/metrics"
	"github.com/cuemby/acecore/pkg/system"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootCmd is a thin demonstration entry point over pkg/system: it
// exercises CoreSystem directly rather than talking through a remote
// facade, since a full client/server CLI surface is out of core scope.
var rootCmd = &cobra.Command{
	Use:     "acecore",
	Short:   "ACE analysis-correlation engine core",
	Version: Version,
	Long: `acecore runs the analysis-correlation engine core: the module
registry, root/details store, request tracker, result cache, work
queues, event bus, and blob store that coordinate analysis modules
against submitted observables.`,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"acecore version %s\ncommit: %s\nbuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")
	rootCmd.PersistentFlags().String("config", "", "config file path (defaults to .acecore.yaml in the working directory or $HOME)")
	rootCmd.PersistentFlags().String("data-dir", "./acecore-data", "data directory for the bbolt database and local blob storage")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(amtCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// newSystem builds the CoreSystem shared by serve and amt apply, so both
// commands see the same on-disk data directory and config resolution.
func newSystem(cmd *cobra.Command) (*system.CoreSystem, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configFile, _ := cmd.Flags().GetString("config")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg, err := config.New(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	blobRoot := cfg.Get(config.KeyBlobRoot)
	if blobRoot == "" {
		blobRoot = dataDir + "/blobs"
	}

	return system.New(cfg, system.Options{
		DataDir:        dataDir,
		BlobRoot:       blobRoot,
		S3Bucket:       cfg.Get(config.KeyBlobS3Bucket),
		S3Region:       cfg.Get(config.KeyBlobS3Region),
		CacheRedisURL:  cfg.Get(config.KeyRedisURL),
		EventsRedisURL: cfg.Get(config.KeyEventsRedis),
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the core: the sweeper loop plus a metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		sys, err := newSystem(cmd)
		if err != nil {
			metrics.RegisterComponent("database", false, err.Error())
			return fmt.Errorf("constructing core system: %w", err)
		}
		metrics.RegisterComponent("database", true, "")
		metrics.RegisterComponent("registry", true, "")
		metrics.RegisterComponent("blobstore", true, "")
		metrics.SetVersion(Version)

		sys.Start()
		fmt.Println("core system started")

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Println("press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nshutting down...")
		if err := sys.Stop(); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "prometheus metrics listen address")
}

var amtCmd = &cobra.Command{
	Use:   "amt",
	Short: "Manage analysis module type registrations",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("acecore version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime)
	},
}
