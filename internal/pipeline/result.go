package pipeline

import (
	"fmt"
	"time"
)

// Process exit codes of a refresh.
const (
	ExitOK             = 0
	ExitGatherFailed   = -1
	ExitPopulateFailed = -2
)

type Phase string

const (
	PhaseGather   Phase = "gather"
	PhasePopulate Phase = "populate"
)

// Outcome is the terminal state of one refresh.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeGatherFailed
	OutcomePopulateFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeGatherFailed:
		return "gather_failed"
	case OutcomePopulateFailed:
		return "populate_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "done":
		*o = OutcomeDone
	case "gather_failed":
		*o = OutcomeGatherFailed
	case "populate_failed":
		*o = OutcomePopulateFailed
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// Failure of one table in a phase.
type Failure struct {
	Table    string   `json:"table"`
	ExitCode int      `json:"exit_code"`
	Stderr   []string `json:"stderr,omitempty"`
}

type PhaseReport struct {
	Phase     Phase     `json:"phase"`
	Scheduled []string  `json:"scheduled"`
	Succeeded int       `json:"succeeded"`
	Failures  []Failure `json:"failures,omitempty"`
	Skipped   []string  `json:"skipped,omitempty"` // populate only: gatherer produced no data file
	Started   time.Time `json:"started"`
	Stopped   time.Time `json:"stopped"`
}

func (p PhaseReport) FailedTables() []string {
	ret := make([]string, 0, len(p.Failures))
	for _, f := range p.Failures {
		ret = append(ret, f.Table)
	}
	return ret
}

// Result of Controller.Go. Populate is nil when the gate stopped the run.
type Result struct {
	RunID    string       `json:"run_id"`
	Request  Request      `json:"request"`
	Outcome  Outcome      `json:"outcome"`
	Gather   PhaseReport  `json:"gather"`
	Populate *PhaseReport `json:"populate,omitempty"`
	Started  time.Time    `json:"started"`
	Stopped  time.Time    `json:"stopped"`
}

func (r Result) ExitCode() int {
	switch r.Outcome {
	case OutcomeGatherFailed:
		return ExitGatherFailed
	case OutcomePopulateFailed:
		return ExitPopulateFailed
	default:
		return ExitOK
	}
}

// Summary is the final human readable verdict.
func (r Result) Summary() string {
	switch r.Outcome {
	case OutcomeGatherFailed:
		return "refresh failed during gather: destination left untouched"
	case OutcomePopulateFailed:
		return "refresh failed during populate: destination is now partially updated and inconsistent"
	default:
		return "refresh succeeded"
	}
}
