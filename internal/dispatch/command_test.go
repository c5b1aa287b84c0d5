package dispatch

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitLines(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     []string
	}{
		{"empty", "", nil},
		{"single", "a\n", []string{"a"}},
		{"unterminated", "a\nb", []string{"a", "b"}},
		{"blank first line", "\n/tmp/foo.txt\n", []string{"", "/tmp/foo.txt"}},
		{"only newline", "\n", []string{""}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			require.Equal(t, tt.then, splitLines([]byte(tt.given)))
		})
	}
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{fn: func(line string) { got = append(got, line) }}

	_, err := io.WriteString(w, "par")
	require.NoError(t, err)
	require.Empty(t, got)
	_, err = io.WriteString(w, "tial\nsecond\nthi")
	require.NoError(t, err)
	require.Equal(t, []string{"partial", "second"}, got)
	_, err = io.WriteString(w, "rd")
	require.NoError(t, err)

	require.Equal(t, []string{"partial", "second", "third"}, w.Lines())
	require.Equal(t, []string{"partial", "second", "third"}, got)

	// flushing twice does not repeat the tail
	require.Equal(t, []string{"partial", "second", "third"}, w.Lines())
	require.Len(t, got, 3)
}
