package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/doppkit/internal/config"
	"github.com/tanq16/doppkit/internal/grid"
	"github.com/tanq16/doppkit/internal/output"
	"github.com/tanq16/doppkit/internal/transfer"
	"github.com/tanq16/doppkit/internal/utils"
)

var (
	configPath   string
	gridURL      string
	token        string
	logLevel     string
	threads      int
	showProgress bool
	disableSSL   bool
	debug        bool
	proxyURL     string
	headers      []string
)

var (
	cfg        config.Config
	httpClient *http.Client
)

var rootCmd = &cobra.Command{
	Use:               "doppkit",
	Short:             "doppkit downloads GRiD exports and uploads assets",
	Version:           utils.ToolVersion,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate("doppkit {{.Version}}\n")
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file (default "+config.DefaultPath()+")")
	flags.StringVar(&gridURL, "url", utils.DefaultGridURL, "GRiD instance URL (env GRID_BASE_URL)")
	flags.StringVar(&token, "token", "", "GRiD access token (env GRID_ACCESS_TOKEN)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.IntVar(&threads, "threads", utils.DefaultThreads, "Number of concurrent transfers")
	flags.BoolVar(&showProgress, "progress", true, "Report transfer progress")
	flags.BoolVar(&disableSSL, "disable-ssl-verification", false, "Disable TLS certificate verification")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Extra request header (like 'X-Request-Source: lab'); can be specified multiple times")

	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newListAOIsCmd())
	rootCmd.AddCommand(newListExportsCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// setup layers flags that were set explicitly over the loaded config and
// builds the shared HTTP client.
func setup(cmd *cobra.Command, args []string) error {
	utils.InitLogger(debug)
	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("url") {
		loaded.URL = gridURL
	}
	if flags.Changed("token") {
		loaded.Token = token
	}
	if flags.Changed("log-level") {
		loaded.LogLevel = logLevel
	}
	if flags.Changed("threads") {
		loaded.Threads = threads
	}
	if flags.Changed("progress") {
		loaded.Progress = showProgress
	}
	if flags.Changed("disable-ssl-verification") {
		loaded.DisableSSLVerification = disableSSL
	}
	if flags.Changed("proxy") {
		loaded.Proxy = proxyURL
	}
	if len(headers) > 0 {
		if loaded.Headers == nil {
			loaded.Headers = map[string]string{}
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			loaded.Headers[k] = v
		}
	}
	if debug {
		loaded.LogLevel = "debug"
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	utils.SetLogLevel(loaded.LogLevel)
	if loaded.DisableSSLVerification {
		log.Warn().Str("op", "cmd/root").Msg("TLS certificate verification is disabled")
	}
	cfg = loaded
	httpClient = utils.NewHTTPClient(cfg.HTTPClientConfig())
	log.Debug().Str("op", "cmd/root").Msgf("Using %s with %d threads", cfg.URL, cfg.Threads)
	return nil
}

// newClient builds a catalog client whose fetch pool writes below directory.
func newClient(directory string) (*grid.Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("no access token, set --token or GRID_ACCESS_TOKEN")
	}
	pool := transfer.NewPool(httpClient, transfer.PoolOptions{
		Limit:     cfg.Threads,
		Directory: directory,
	})
	return grid.NewClient(grid.Options{
		URL:        cfg.URL,
		Token:      cfg.Token,
		HTTPClient: httpClient,
		Pool:       pool,
	}), nil
}

// startProgress returns a running display, or nil when progress is off.
func startProgress() *output.Manager {
	if !cfg.Progress {
		return nil
	}
	mgr := output.NewManager()
	mgr.StartDisplay()
	return mgr
}

// sink adapts an optional display to the transfer progress interface.
func sink(mgr *output.Manager) transfer.Progress {
	if mgr == nil {
		return nil
	}
	return mgr
}
