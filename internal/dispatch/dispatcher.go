package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Reserved exit codes. A process killed by a signal reports -1.
const (
	ExitLaunchFailed = -100
	ExitTimedOut     = -101
	ExitCanceled     = -102
)

const defaultWaitDelay = 5 * time.Second

var (
	ErrNotWaited  = errors.New("job result read before Wait returned")
	ErrUnknownJob = errors.New("unknown job")
)

// JobID identifies a Job within one Dispatcher.
type JobID uint64

func (id JobID) String() string {
	return "job-" + strconv.FormatUint(uint64(id), 10)
}

type State int

const (
	StatePending State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// StderrFunc receives stderr lines of a running job as they arrive. Lines are
// buffered regardless.
type StderrFunc func(ctx context.Context, id JobID, line string)

// Observer is notified when a job acquires and releases its slot. Both
// methods are called while the slot is held, so at no point are more than
// maxConcurrency jobs between JobStarted and JobFinished. Jobs which never
// got a slot (cancelled while pending) are not reported.
type Observer interface {
	JobStarted(id JobID, cmd Command)
	JobFinished(id JobID, result Result)
}

type Option func(*Dispatcher)

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

func WithStderrFunc(fn StderrFunc) Option {
	return func(d *Dispatcher) {
		d.stderrFunc = fn
	}
}

// WithWaitDelay bounds how long Wait on a process keeps draining its output
// after the process exited or was killed. Grandchildren inheriting the pipes
// can otherwise keep a job running forever.
func WithWaitDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.waitDelay = delay
	}
}

type job struct {
	id      JobID
	cmd     Command
	state   State
	settled bool
	result  Result
}

// Dispatcher is a bounded pool of child processes. It is safe for concurrent
// use, although a single goroutine alternating Schedule and Wait is the
// intended pattern.
type Dispatcher struct {
	ctx        context.Context
	max        int
	sem        *semaphore.Weighted
	observer   Observer
	stderrFunc StderrFunc
	waitDelay  time.Duration

	mx     sync.Mutex
	cond   *sync.Cond
	nextID JobID
	jobs   map[JobID]*job
	active int // jobs not yet finished
}

// New creates a Dispatcher running at most maxConcurrency processes at once.
// Cancelling ctx kills running processes and fails pending jobs with
// ExitCanceled.
func New(ctx context.Context, maxConcurrency int, opts ...Option) (*Dispatcher, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be positive, got %d", maxConcurrency)
	}
	d := &Dispatcher{
		ctx:       ctx,
		max:       maxConcurrency,
		sem:       semaphore.NewWeighted(int64(maxConcurrency)),
		waitDelay: defaultWaitDelay,
		jobs:      make(map[JobID]*job),
	}
	d.cond = sync.NewCond(&d.mx)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dispatcher) MaxConcurrency() int {
	return d.max
}

// Schedule enqueues cmd and returns immediately. An invalid command is not
// reported here: it finishes with ExitLaunchFailed.
func (d *Dispatcher) Schedule(cmd Command) JobID {
	d.mx.Lock()
	d.nextID++
	j := &job{
		id:    d.nextID,
		cmd:   cmd.clone(),
		state: StatePending,
	}
	d.jobs[j.id] = j
	d.active++
	d.mx.Unlock()

	slog.DebugContext(d.ctx, "job scheduled", "job_id", j.id.String(), "command", j.cmd.String())
	go d.run(j)
	return j.id
}

// Wait blocks until every scheduled job is finished. Results of those jobs
// are readable afterwards.
func (d *Dispatcher) Wait() {
	d.mx.Lock()
	defer d.mx.Unlock()
	for d.active > 0 {
		d.cond.Wait()
	}
	for _, j := range d.jobs {
		j.settled = true
	}
}

// State is readable at any time.
func (d *Dispatcher) State(id JobID) (State, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return j.state, nil
}

func (d *Dispatcher) Result(id JobID) (Result, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !j.settled {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotWaited, id, j.state)
	}
	res := j.result
	res.Command = res.Command.clone()
	res.Stdout = slices.Clone(res.Stdout)
	res.Stderr = slices.Clone(res.Stderr)
	return res, nil
}

func (d *Dispatcher) ReturnCode(id JobID) (int, error) {
	res, err := d.Result(id)
	if err != nil {
		return 0, err
	}
	return res.ExitCode, nil
}

func (d *Dispatcher) Stdout(id JobID) ([]string, error) {
	res, err := d.Result(id)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func (d *Dispatcher) Stderr(id JobID) ([]string, error) {
	res, err := d.Result(id)
	if err != nil {
		return nil, err
	}
	return res.Stderr, nil
}

func (d *Dispatcher) run(j *job) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		now := time.Now().UTC()
		d.finish(j, Result{
			Command:  j.cmd,
			ExitCode: ExitCanceled,
			Stderr:   []string{"job canceled before start: " + err.Error()},
			Started:  now,
			Stopped:  now,
			Err:      err,
		})
		return
	}
	defer d.sem.Release(1)

	d.mx.Lock()
	j.state = StateRunning
	d.mx.Unlock()
	if d.observer != nil {
		d.observer.JobStarted(j.id, j.cmd)
	}

	res := d.execute(j.id, j.cmd)
	if d.observer != nil {
		d.observer.JobFinished(j.id, res)
	}
	d.finish(j, res)
}

func (d *Dispatcher) finish(j *job, res Result) {
	slog.DebugContext(d.ctx, "job finished",
		"job_id", j.id.String(),
		"exit_code", res.ExitCode,
		"duration", res.Stopped.Sub(res.Started).String(),
	)

	d.mx.Lock()
	defer d.mx.Unlock()
	j.result = res
	j.state = StateFinished
	d.active--
	if d.active == 0 {
		d.cond.Broadcast()
	}
}
