package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a configuration file.
type CueErrorDetail struct {
	Path    string // tables.1
	Code    string // missing_required | unknown_field | out_of_range | invalid_table_name | invalid_duration ...
	Message string
	Pos     CueErrorPosition
	Raw     string // message of this error as reported by CUE
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

const namePattern = "^[A-Za-z0-9_]+$"

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|empty disjunction`)
	reIndex      = regexp.MustCompile(`^(tables|exclude)\.\d+$`)
)

// CueErrDetails translates a LoadConfig error into per field details, one
// per field and code. Errors not coming from CUE yield no details.
func CueErrDetails(err error) []CueErrorDetail {
	return humanize(err, schema)
}

func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	type key struct{ path, code string }
	seen := make(map[key]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		pos := position(e)
		if path == "" && pos.Filename == "" {
			continue
		}

		code, msg := classify(raw, path, root)
		k := key{path, code}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

func classify(raw, path string, root cue.Value) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", path)
	case reIncomplete.MatchString(raw):
		if isString(lookup(root, path)) {
			return "missing_required", fmt.Sprintf("Field %s is required and must be non-empty", path)
		}
		return "missing_required", fmt.Sprintf("Field %s is required", path)
	}

	if c, m, ok := fieldRule(path); ok {
		return c, m
	}

	if values, ok := enumStrings(lookup(root, path)); ok {
		return "invalid_enum", fmt.Sprintf("Field %s must be one of %s", path, strings.Join(values, ", "))
	}
	if reConflict.MatchString(raw) {
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", path)
	}
	return "validation_error", raw
}

// fieldRule explains the constraints of #Config fields whose raw CUE errors
// only repeat a bound or a regular expression.
func fieldRule(path string) (code, msg string, ok bool) {
	switch {
	case path == "concurrency":
		return "out_of_range",
			fmt.Sprintf("Field concurrency must be an integer within 1..%d", ConcurrencyLimit), true
	case path == "tables":
		return "invalid_tables", "Field tables must list at least one table", true
	case reIndex.MatchString(path):
		return "invalid_table_name",
			fmt.Sprintf("Field %s must be a table name matching %s", path, namePattern), true
	case path == "gatherer_suffix" || path == "populator_suffix":
		return "invalid_suffix",
			fmt.Sprintf("Field %s must match %s", path, namePattern), true
	case path == "job_timeout" || path == "wait_delay" || path == "service.schedule.duration":
		return "invalid_duration",
			fmt.Sprintf("Field %s must be a duration such as 45s, 1h30m or 2d", path), true
	case path == "service.schedule":
		return "invalid_schedule", "Field service.schedule must set either cron or duration", true
	}
	return "", "", false
}

// enumStrings returns the alternatives of a disjunction of string literals.
// The default one is marked.
func enumStrings(v cue.Value) (values []string, ok bool) {
	if !v.Exists() {
		return nil, false
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, false
	}
	var dflt string
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	for _, a := range args {
		s, err := a.String()
		if err != nil {
			return nil, false
		}
		if s == dflt {
			s += " (default)"
		}
		values = append(values, s)
	}
	return values, len(values) > 0
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

// normalizePath joins a CUE error path, dropping the leading #Config.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	return root.LookupPath(cue.ParsePath(path))
}

// isString reports whether v is a string field; every required string of
// #Config is constrained to !="".
func isString(v cue.Value) bool {
	return v.Exists() && v.IncompleteKind() == cue.StringKind
}
