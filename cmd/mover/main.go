package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dbmover/mover/internal/log"
	"github.com/dbmover/mover/internal/model"
	"github.com/dbmover/mover/internal/pipeline"

	"github.com/spf13/cobra"
)

const configEnv = "MOVERCONFIG"

var (
	userConfigPath string // /default/config/path/mover on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	closeLog = func() error { return nil }
	exitCode int // set by refresh
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "mover")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is mover.yaml in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	if err := bindOverrides(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, "mover:", err)
		os.Exit(1)
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initMover

	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, pipeline.ErrUsage) {
			fmt.Fprintf(os.Stderr, "mover: %v\nusage: %s\n", err, refreshCmd.UseLine())
		}
		slog.Error("mover failed", "err", err)
		_ = closeLog()
		os.Exit(1)
	}
	_ = closeLog()
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:          "mover",
	Short:        "Refreshes destination tables from gatherer and populator programs",
	SilenceUsage: true,
}

func initMover(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok && envConfig != "" {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "mover.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}
	if configPath == "" {
		return fmt.Errorf("%w: use --config, $%s or mover.yaml in %s or in current directory",
			model.ErrNoConfig, configEnv, userConfigPath)
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config %s: %w", configPath, err)
	}
	config = *cfg

	if err := applyOverrides(&config); err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	// initialize logging
	w, closer, err := log.Output(config.Service.LogDest())
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Service.IsVerbose()))

	slog.Debug("mover run", "configPath", configPath)
	slog.Debug("mover run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// cmdContext adds the mover log group to the command context.
func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("mover",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}
