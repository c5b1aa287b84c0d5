package main

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/dbmover/mover/internal/pipeline"
	"github.com/dbmover/mover/internal/service"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flagDumpConfig  bool
	flagPrintReport bool
)

func init() {
	tablesCmd.Flags().BoolVar(&flagDumpConfig, "dump-config", false, "print the effective configuration as YAML")
	refreshCmd.Flags().BoolVar(&flagPrintReport, "print-report", false, "print the run report to stdout, like service.stdout")
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [keyFieldName keyFieldValue]",
	Short: "gather every table and, when all gatherers succeed, populate them",
	Long: `refresh runs every gatherer concurrently. Only when all of them succeed
are the populators run, each with the data file reported by its gatherer.
A key field name and an integer value restrict the refresh to related rows.

Exit codes: 0 success, -1 a gatherer failed and nothing was populated,
-2 a populator failed and the destination is inconsistent.`,
	Args: func(_ *cobra.Command, args []string) error {
		_, err := pipeline.ParseRequest(args)
		return err
	},
	RunE: doRefresh,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run refreshes on the schedule of service.schedule until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "print the tables a refresh processes",
	Args:  cobra.NoArgs,
	RunE:  doTables,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a mover",
	Args:  cobra.NoArgs,
	// no config needed
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("mover: version info not available")
			return
		}
		fmt.Printf("mover:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
	},
}

func doRefresh(cmd *cobra.Command, args []string) error {
	req, err := pipeline.ParseRequest(args)
	if err != nil {
		return err
	}
	if flagPrintReport {
		stdout := true
		config.Service.Stdout = &stdout
	}
	ctx := cmdContext(cmd)
	result, err := service.Refresh(ctx, config, req)
	if err != nil {
		return err
	}
	exitCode = result.ExitCode()
	return nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	return service.Run(cmdContext(cmd), config)
}

func doTables(cmd *cobra.Command, _ []string) error {
	if flagDumpConfig {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	}

	controller, err := pipeline.New(config)
	if err != nil {
		return err
	}
	slog.DebugContext(cmdContext(cmd), "effective tables", "excluded", config.Exclude)
	for _, table := range controller.Tables() {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), table); err != nil {
			return err
		}
	}
	if len(controller.Tables()) == 0 {
		if _, err := fmt.Fprintln(cmd.ErrOrStderr(), "mover: every table is excluded"); err != nil {
			return err
		}
	}
	return nil
}
