package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbmover/mover/internal/dispatch"
	"github.com/dbmover/mover/internal/log"
	"github.com/dbmover/mover/internal/model"
)

// JobResults is the read side of a dispatch.Dispatcher.
type JobResults interface {
	ReturnCode(id dispatch.JobID) (int, error)
	Stdout(id dispatch.JobID) ([]string, error)
	Stderr(id dispatch.JobID) ([]string, error)
}

// Dispatcher is what Controller needs from dispatch.Dispatcher.
type Dispatcher interface {
	JobResults
	Schedule(cmd dispatch.Command) dispatch.JobID
	Wait()
}

// NewDispatcherFunc creates the dispatcher of one phase.
type NewDispatcherFunc func(ctx context.Context, maxConcurrency int) (Dispatcher, error)

type Option func(*Controller)

// WithDispatcher replaces the dispatcher factory.
func WithDispatcher(fn NewDispatcherFunc) Option {
	return func(c *Controller) {
		c.newDispatcher = fn
	}
}

// Controller drives one refresh at a time: gather every table, and only when
// all gatherers succeeded, populate every table with data.
type Controller struct {
	tables        []string
	concurrency   int
	gatherDir     string
	populateDir   string
	gatherer      string
	populator     string
	env           []string
	timeout       time.Duration
	newDispatcher NewDispatcherFunc
}

func New(cfg model.Config, opts ...Option) (*Controller, error) {
	if cfg.GatherDir == "" {
		return nil, errors.New("gather_dir is empty")
	}
	if cfg.PopulateDir == "" {
		return nil, errors.New("populate_dir is empty")
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, fmt.Errorf("parsing job_timeout: %w", err)
	}
	killWait, err := cfg.KillWait()
	if err != nil {
		return nil, fmt.Errorf("parsing wait_delay: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Tables))
	for _, table := range cfg.Tables {
		if table == "" || strings.ContainsRune(table, filepath.Separator) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		if _, ok := seen[table]; ok {
			return nil, fmt.Errorf("table %s listed twice", table)
		}
		seen[table] = struct{}{}
	}

	var env []string
	if len(cfg.Env) > 0 {
		env = cfg.ChildEnv()
	}

	c := &Controller{
		tables:        slices.Clone(cfg.Tables),
		concurrency:   cfg.MaxConcurrency(),
		gatherDir:     cfg.GatherDir,
		populateDir:   cfg.PopulateDir,
		gatherer:      cfg.Gatherer(),
		populator:     cfg.Populator(),
		env:           env,
		timeout:       timeout,
		newDispatcher: dispatcherFunc(killWait),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.RemoveTables(cfg.Exclude...)
	return c, nil
}

// dispatcherFunc returns the factory of process dispatchers. A zero
// waitDelay keeps the dispatch default.
func dispatcherFunc(waitDelay time.Duration) NewDispatcherFunc {
	return func(ctx context.Context, maxConcurrency int) (Dispatcher, error) {
		opts := []dispatch.Option{dispatch.WithStderrFunc(logStderr)}
		if waitDelay > 0 {
			opts = append(opts, dispatch.WithWaitDelay(waitDelay))
		}
		d, err := dispatch.New(ctx, maxConcurrency, opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func logStderr(ctx context.Context, id dispatch.JobID, line string) {
	slog.DebugContext(ctx, "stderr", "job_id", id.String(), "line", line)
}

// Tables returns the tables a refresh processes, in order.
func (c *Controller) Tables() []string {
	return slices.Clone(c.tables)
}

// RemoveTables drops names from the refresh; unknown names are ignored.
func (c *Controller) RemoveTables(names ...string) {
	if len(names) == 0 {
		return
	}
	c.tables = slices.DeleteFunc(c.tables, func(table string) bool {
		return slices.Contains(names, table)
	})
}

// Go runs one refresh. Phase failures are reported through Result.Outcome;
// the error is reserved for broken invariants, such as reading results the
// dispatcher does not know, and for a refresh cancelled between phases.
func (c *Controller) Go(ctx context.Context, req Request) (result Result, err error) {
	result = Result{
		RunID:   uuid.NewString(),
		Request: req,
		Started: time.Now().UTC(),
	}
	defer func() {
		result.Stopped = time.Now().UTC()
	}()
	ctx = log.ContextAttrs(ctx, slog.String("run_id", result.RunID))

	slog.InfoContext(ctx, "refresh started",
		"request", req.String(),
		"tables", len(c.tables),
		"concurrency", c.concurrency,
	)

	gather, gathers, gd, err := c.runPhase(ctx, PhaseGather, c.tables, func(table string) dispatch.Command {
		return c.gatherCommand(table, req)
	})
	result.Gather = gather
	if err != nil {
		return result, err
	}
	if len(gather.Failures) > 0 {
		result.Outcome = OutcomeGatherFailed
		slog.ErrorContext(ctx, result.Summary(), "failed_tables", gather.FailedTables())
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("refresh canceled before populate: %w", err)
	}

	files := make(map[string]string, len(gathers))
	var skipped []string
	for _, table := range c.tables {
		stdout, err := gd.Stdout(gathers[table])
		if err != nil {
			return result, fmt.Errorf("reading gatherer output of %s: %w", table, err)
		}
		path, ok := DataFile(stdout)
		if !ok {
			slog.InfoContext(ctx, "gatherer produced no data: skipping populate", "table", table)
			skipped = append(skipped, table)
			continue
		}
		files[table] = path
	}

	withData := slices.DeleteFunc(slices.Clone(c.tables), func(table string) bool {
		_, ok := files[table]
		return !ok
	})
	populate, _, _, err := c.runPhase(ctx, PhasePopulate, withData, func(table string) dispatch.Command {
		return c.populateCommand(table, files[table], req)
	})
	populate.Skipped = skipped
	result.Populate = &populate
	if err != nil {
		return result, err
	}
	if len(populate.Failures) > 0 {
		result.Outcome = OutcomePopulateFailed
		slog.ErrorContext(ctx, result.Summary(), "failed_tables", populate.FailedTables())
		return result, nil
	}

	result.Outcome = OutcomeDone
	slog.InfoContext(ctx, result.Summary(),
		"gathered", gather.Succeeded,
		"populated", populate.Succeeded,
		"skipped", len(skipped),
	)
	return result, nil
}

// runPhase schedules one job per table on a fresh dispatcher, waits for all
// of them and classifies the results.
func (c *Controller) runPhase(
	ctx context.Context,
	phase Phase,
	tables []string,
	command func(table string) dispatch.Command,
) (PhaseReport, map[string]dispatch.JobID, Dispatcher, error) {
	ctx = log.ContextAttrs(ctx, slog.String("phase", string(phase)))
	report := PhaseReport{
		Phase:     phase,
		Scheduled: slices.Clone(tables),
		Started:   time.Now().UTC(),
	}

	d, err := c.newDispatcher(ctx, c.concurrency)
	if err != nil {
		return report, nil, nil, fmt.Errorf("creating %s dispatcher: %w", phase, err)
	}

	jobs := make(map[string]dispatch.JobID, len(tables))
	for _, table := range tables {
		jobs[table] = d.Schedule(command(table))
	}
	slog.DebugContext(ctx, "phase scheduled", "jobs", len(jobs))
	d.Wait()
	report.Stopped = time.Now().UTC()

	failed, succeeded, err := IdentifyFailures(ctx, d, jobs)
	if err != nil {
		return report, jobs, d, err
	}
	report.Succeeded = succeeded
	slog.InfoContext(ctx, "phase finished", "succeeded", succeeded, "failed", len(failed))

	for _, table := range failed {
		code, err := d.ReturnCode(jobs[table])
		if err != nil {
			return report, jobs, d, err
		}
		stderr, err := d.Stderr(jobs[table])
		if err != nil {
			return report, jobs, d, err
		}
		report.Failures = append(report.Failures, Failure{
			Table:    table,
			ExitCode: code,
			Stderr:   stderr,
		})
		slog.ErrorContext(ctx, "table failed",
			"table", table,
			"exit_code", code,
			"stderr", strings.Join(stderr, "\n"),
		)
	}
	return report, jobs, d, nil
}

// IdentifyFailures classifies a finished batch. The exit code is the only
// failure signal: well behaved children may write to stderr. Failed table
// names are sorted, so repeated calls return identical results.
func IdentifyFailures(ctx context.Context, d JobResults, tableToJob map[string]dispatch.JobID) (failed []string, succeeded int, err error) {
	for _, table := range slices.Sorted(maps.Keys(tableToJob)) {
		id := tableToJob[table]
		code, err := d.ReturnCode(id)
		if err != nil {
			return nil, 0, fmt.Errorf("classifying %s: %w", table, err)
		}
		if code == 0 {
			succeeded++
			continue
		}
		stderr, err := d.Stderr(id)
		if err != nil {
			return nil, 0, fmt.Errorf("classifying %s: %w", table, err)
		}
		slog.DebugContext(ctx, "job failed",
			"table", table,
			"job_id", id.String(),
			"exit_code", code,
			"stderr", strings.Join(stderr, "\n"),
		)
		failed = append(failed, table)
	}
	return failed, succeeded, nil
}

// DataFile returns the data file a gatherer reported: the first line of its
// stdout, trimmed. ok is false when that line is missing or blank, even if
// later lines are not.
func DataFile(stdout []string) (path string, ok bool) {
	if len(stdout) == 0 {
		return "", false
	}
	path = strings.TrimSpace(stdout[0])
	return path, path != ""
}

func (c *Controller) gatherCommand(table string, req Request) dispatch.Command {
	return dispatch.Command{
		Path:    filepath.Join(c.gatherDir, table+c.gatherer),
		Args:    req.Args(),
		Env:     c.env,
		Timeout: c.timeout,
	}
}

func (c *Controller) populateCommand(table, dataFile string, req Request) dispatch.Command {
	return dispatch.Command{
		Path:    filepath.Join(c.populateDir, table+c.populator),
		Args:    append([]string{dataFile}, req.Args()...),
		Env:     c.env,
		Timeout: c.timeout,
	}
}
