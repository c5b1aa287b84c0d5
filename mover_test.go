package mover_test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	moverPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("mover-ci") {
		slog.Warn("cannot locate mover-ci binary, integration tests are ignored: run go build -race -cover -covermode=atomic -o mover-ci ./cmd/mover/ first")
		os.Exit(0)
	}
	if _, err := exec.LookPath("sh"); err != nil {
		slog.Warn("binary sh not available, integration tests are ignored", "error", err)
		os.Exit(0)
	}

	var err error
	moverPath, err = filepath.Abs("mover-ci")
	if err != nil {
		slog.Error("can't get abspath for mover-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for mover-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for mover-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
version: 0
gather_dir: gather
populate_dir: populate
concurrency: 4
tables:
    - foo
    - bar
service:
    mode: manual
    verbose: true
    dir: reports
`

// setup creates a working directory with the config, gatherers writing data
// files and populators recording their arguments.
func setup(t *testing.T) string {
	t.Helper()
	dir := chDir(t)
	for _, d := range []string{"gather", "populate", "data", "reports", "xdg"} {
		require.NoError(t, os.Mkdir(d, 0o755))
	}
	creat(t, "mover.yaml", []byte(config))
	for _, table := range []string{"foo", "bar"} {
		data := filepath.Join(dir, "data", table+".txt")
		script(t, filepath.Join("gather", table+"Gatherer"), `echo "row $*" > `+data+`
echo `+data)
		script(t, filepath.Join("populate", table+"Populator"), `echo "$@" > `+filepath.Join(dir, "data", table+".args"))
	}
	return dir
}

type run struct {
	exitCode int
	stdout   string
	stderr   string
}

func mover(t *testing.T, env []string, args ...string) run {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, moverPath, args...)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	cmd.Env = append(os.Environ(), "MOVERCONFIG=", "XDG_CONFIG_HOME="+filepath.Join(cwd, "xdg"))
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	ret := run{stdout: stdout.String(), stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		ret.exitCode = exitErr.ExitCode()
	default:
		require.NoError(t, err)
	}
	t.Logf("mover %s: exit code %d\n%s", strings.Join(args, " "), ret.exitCode, ret.stderr)
	return ret
}

func populated(t *testing.T, table string) (string, bool) {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("data", table+".args"))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	require.NoError(t, err)
	return strings.TrimSpace(string(b)), true
}

func TestRefresh(t *testing.T) {
	dir := setup(t)

	res := mover(t, nil, "refresh", "--config", "mover.yaml")
	require.Equal(t, 0, res.exitCode)
	for _, table := range []string{"foo", "bar"} {
		args, ok := populated(t, table)
		require.True(t, ok, table)
		require.Equal(t, filepath.Join(dir, "data", table+".txt"), args)
	}
	require.Contains(t, res.stderr, `"msg":"refresh succeeded"`)

	reports, err := filepath.Glob(filepath.Join("reports", "mover-*.json"))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	b, err := os.ReadFile(reports[0])
	require.NoError(t, err)
	require.Contains(t, string(b), `"outcome": "done"`)
}

func TestRefresh_Keyed(t *testing.T) {
	dir := setup(t)

	res := mover(t, nil, "refresh", "--config", "mover.yaml", "accID", "12345")
	require.Equal(t, 0, res.exitCode)
	args, ok := populated(t, "foo")
	require.True(t, ok)
	require.Equal(t, filepath.Join(dir, "data", "foo.txt")+" accID 12345", args)
}

func TestRefresh_PrintReport(t *testing.T) {
	_ = setup(t)

	res := mover(t, nil, "refresh", "--config", "mover.yaml", "--print-report")
	require.Equal(t, 0, res.exitCode)
	require.Contains(t, res.stdout, `"outcome": "done"`)

	creat(t, "stdout.yaml", []byte(strings.Replace(config, "dir: reports", "stdout: true", 1)))
	res = mover(t, nil, "refresh", "--config", "stdout.yaml")
	require.Equal(t, 0, res.exitCode)
	require.Contains(t, res.stdout, `"outcome": "done"`)
	require.Contains(t, res.stdout, `"exit_code": 0`)
}

func TestRefresh_GatherFailed(t *testing.T) {
	_ = setup(t)
	script(t, filepath.Join("gather", "fooGatherer"), `echo "bad SQL" >&2
exit 1`)

	res := mover(t, []string{"MOVERCONFIG=mover.yaml"}, "refresh")
	require.Equal(t, 255, res.exitCode) // -1
	require.Contains(t, res.stderr, "bad SQL")
	require.Contains(t, res.stderr, "destination left untouched")
	for _, table := range []string{"foo", "bar"} {
		_, ok := populated(t, table)
		require.False(t, ok, table)
	}
}

func TestRefresh_PopulateFailed(t *testing.T) {
	_ = setup(t)
	script(t, filepath.Join("populate", "barPopulator"), `exit 3`)

	res := mover(t, nil, "refresh", "--config", "mover.yaml")
	require.Equal(t, 254, res.exitCode) // -2
	require.Contains(t, res.stderr, "inconsistent")
	_, ok := populated(t, "foo")
	require.True(t, ok)
}

func TestRefresh_Usage(t *testing.T) {
	_ = setup(t)

	for _, args := range [][]string{
		{"accID"},
		{"accID", "P123"},
		{"accID", "1", "2"},
	} {
		res := mover(t, nil, append([]string{"refresh", "--config", "mover.yaml"}, args...)...)
		require.Equal(t, 1, res.exitCode, args)
		require.Contains(t, res.stderr, "usage:")
		_, ok := populated(t, "foo")
		require.False(t, ok)
	}
}

func TestRefresh_Overrides(t *testing.T) {
	_ = setup(t)
	require.NoError(t, os.Mkdir("other", 0o755))
	script(t, filepath.Join("other", "fooGatherer"), `exit 7`)
	script(t, filepath.Join("other", "barGatherer"), `exit 0`)

	res := mover(t, []string{"MOVER_GATHER_DIR=other"}, "refresh", "--config", "mover.yaml", "--concurrency", "1")
	require.Equal(t, 255, res.exitCode)
	require.Contains(t, res.stderr, `"concurrency":1`)

	res = mover(t, nil, "refresh", "--config", "mover.yaml", "--concurrency", "1000")
	require.Equal(t, 1, res.exitCode)
}

func TestNoConfig(t *testing.T) {
	_ = chDir(t)
	require.NoError(t, os.Mkdir("xdg", 0o755))

	res := mover(t, nil, "refresh")
	require.Equal(t, 1, res.exitCode)
	require.Contains(t, res.stderr, "no configuration file found")
}

func TestInvalidConfig(t *testing.T) {
	_ = setup(t)
	creat(t, "bad.yaml", []byte("version: 0\ngather_dir: gather\ntables: []\n"))

	res := mover(t, nil, "refresh", "--config", "bad.yaml")
	require.Equal(t, 1, res.exitCode)
	require.Contains(t, res.stderr, "parsing config bad.yaml")
}

func TestTables(t *testing.T) {
	_ = setup(t)

	res := mover(t, nil, "tables", "--config", "mover.yaml")
	require.Equal(t, 0, res.exitCode)
	require.Equal(t, "foo\nbar\n", res.stdout)

	creat(t, "exclude.yaml", []byte(config+"exclude:\n    - foo\n"))
	res = mover(t, nil, "tables", "--config", "exclude.yaml")
	require.Equal(t, 0, res.exitCode)
	require.Equal(t, "bar\n", res.stdout)

	creat(t, "all.yaml", []byte(config+"exclude:\n    - foo\n    - bar\n"))
	res = mover(t, nil, "tables", "--config", "all.yaml")
	require.Equal(t, 0, res.exitCode)
	require.Empty(t, res.stdout)
	require.Contains(t, res.stderr, "mover: every table is excluded")

	res = mover(t, nil, "tables", "--config", "mover.yaml", "--dump-config")
	require.Equal(t, 0, res.exitCode)
	require.Contains(t, res.stdout, "gatherer_suffix: Gatherer")
	require.Contains(t, res.stdout, "concurrency: 4")
}

func TestVersion(t *testing.T) {
	_ = chDir(t)
	res := mover(t, nil, "version")
	require.Equal(t, 0, res.exitCode)
	require.Contains(t, res.stdout, "mover:")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}

func script(t *testing.T, path, body string) {
	t.Helper()
	creat(t, path, []byte("#!/bin/sh\n"+body+"\n"))
	require.NoError(t, os.Chmod(path, 0o755))
}
