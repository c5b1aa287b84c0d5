package model

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	DefaultConcurrency     = 10
	ConcurrencyLimit       = 256
	DefaultGathererSuffix  = "Gatherer"
	DefaultPopulatorSuffix = "Populator"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version         int               `json:"version" yaml:"version"` // fixed 0 for now
	GatherDir       string            `json:"gather_dir" yaml:"gather_dir"`
	PopulateDir     string            `json:"populate_dir" yaml:"populate_dir"`
	Concurrency     int               `json:"concurrency" yaml:"concurrency"`
	JobTimeout      *string           `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"` // e.g. 1h30m, nil => no timeout
	WaitDelay       *string           `json:"wait_delay,omitempty" yaml:"wait_delay,omitempty"`   // grace period for the output of killed jobs
	GathererSuffix  string            `json:"gatherer_suffix" yaml:"gatherer_suffix"`
	PopulatorSuffix string            `json:"populator_suffix" yaml:"populator_suffix"`
	Tables          []string          `json:"tables" yaml:"tables"`
	Exclude         []string          `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Service         Service           `json:"service" yaml:"service"`
}

// Service settings. Mode "timer" requires a Schedule.
type Service struct {
	Mode       string      `json:"mode" yaml:"mode"`
	Verbose    *bool       `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log        *string     `json:"log,omitempty" yaml:"log,omitempty"`       // "stderr"|"stdout"|"discard"|path
	Dir        *string     `json:"dir,omitempty" yaml:"dir,omitempty"`       // run report directory
	Stdout     *bool       `json:"stdout,omitempty" yaml:"stdout,omitempty"` // print run reports to stdout
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
	Schedule   *Schedule   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule is a tagged union: exactly one of Cron or Duration is set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Repository receives run reports over HTTP.
type Repository struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// MaxConcurrency returns the configured subprocess limit or the default.
func (c Config) MaxConcurrency() int {
	if c.Concurrency < 1 {
		return DefaultConcurrency
	}
	return c.Concurrency
}

// Timeout returns the per job timeout, zero means none.
func (c Config) Timeout() (time.Duration, error) {
	if c.JobTimeout == nil || *c.JobTimeout == "" {
		return 0, nil
	}
	return ParseDuration(*c.JobTimeout)
}

// KillWait returns how long a killed job may hold its output open before it
// is abandoned, zero means the dispatcher default.
func (c Config) KillWait() (time.Duration, error) {
	if c.WaitDelay == nil || *c.WaitDelay == "" {
		return 0, nil
	}
	return ParseDuration(*c.WaitDelay)
}

func (c Config) Gatherer() string {
	if c.GathererSuffix == "" {
		return DefaultGathererSuffix
	}
	return c.GathererSuffix
}

func (c Config) Populator() string {
	if c.PopulatorSuffix == "" {
		return DefaultPopulatorSuffix
	}
	return c.PopulatorSuffix
}

// ChildEnv returns the environment of gatherers and populators: the current
// process environment plus the configured extras. Values starting with $ are
// expanded.
func (c Config) ChildEnv() []string {
	env := os.Environ()
	if len(c.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := c.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// IsVerbose is a nil safe accessor of Service.Verbose.
func (s Service) IsVerbose() bool {
	return s.Verbose != nil && *s.Verbose
}

func (s Service) PrintReports() bool {
	return s.Stdout != nil && *s.Stdout
}

func (s Service) LogDest() string {
	if s.Log == nil {
		return ""
	}
	return *s.Log
}

func (r *Repository) IsEnabled() bool {
	if r == nil {
		return false
	}
	return r.Enabled == nil || *r.Enabled
}
