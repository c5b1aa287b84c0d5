package main

import (
	"fmt"
	"strings"

	"github.com/dbmover/mover/internal/model"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	keyConcurrency = "concurrency"
	keyJobTimeout  = "job-timeout"
	keyGatherDir   = "gather-dir"
	keyPopulateDir = "populate-dir"
)

// bindOverrides registers the flags which take precedence over the config
// file. Each one can be set by a MOVER_ prefixed environment variable too,
// --job-timeout being MOVER_JOB_TIMEOUT.
func bindOverrides(fs *pflag.FlagSet) error {
	fs.Int(keyConcurrency, 0, "maximum number of concurrently running gatherers or populators")
	fs.String(keyJobTimeout, "", "kill a gatherer or populator running longer, e.g. 1h30m")
	fs.String(keyGatherDir, "", "directory with gatherer programs")
	fs.String(keyPopulateDir, "", "directory with populator programs")

	viper.SetEnvPrefix("MOVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, key := range []string{keyConcurrency, keyJobTimeout, keyGatherDir, keyPopulateDir} {
		if err := viper.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("binding --%s: %w", key, err)
		}
	}
	return nil
}

func applyOverrides(cfg *model.Config) error {
	if viper.IsSet(keyConcurrency) {
		n := viper.GetInt(keyConcurrency)
		if n < 1 || n > model.ConcurrencyLimit {
			return fmt.Errorf("--%s: %d is not within 1..%d", keyConcurrency, n, model.ConcurrencyLimit)
		}
		cfg.Concurrency = n
	}
	if viper.IsSet(keyJobTimeout) {
		timeout := viper.GetString(keyJobTimeout)
		if _, err := model.ParseDuration(timeout); err != nil {
			return fmt.Errorf("--%s: %w", keyJobTimeout, err)
		}
		cfg.JobTimeout = &timeout
	}
	if viper.IsSet(keyGatherDir) {
		cfg.GatherDir = viper.GetString(keyGatherDir)
	}
	if viper.IsSet(keyPopulateDir) {
		cfg.PopulateDir = viper.GetString(keyPopulateDir)
	}
	return nil
}
