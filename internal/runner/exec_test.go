package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/perfqueue/internal/testutil"
)

func newShellBackend(t *testing.T, script string) *ExecBackend {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	logger := testutil.NewTestLogger()
	return NewExecBackend(Config{
		Command:         "/bin/sh",
		Args:            []string{"-c", script},
		TokenURL:        "http://127.0.0.1:0/api/v1/tokens",
		StopGracePeriod: 200 * time.Millisecond,
	}, logger.Logger())
}

func TestExecBackend_PassesEnvironmentAndConfiguration(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	backend := newShellBackend(t,
		`printf '%s|%s|%s|' "$PERFQUEUE_SESSION_KEY" "$PERFQUEUE_TOKEN_KEY" "$PERFQUEUE_TOKEN_URL" > `+out+
			` && cat "$PERFQUEUE_CONFIG" >> `+out)

	err := backend.Execute(context.Background(), Spec{
		RunID:         "r1",
		SessionKey:    "key-1",
		TokenKey:      "key-1socket://lab",
		Configuration: json.RawMessage(`{"repetitions":3}`),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, `key-1|key-1socket://lab|http://127.0.0.1:0/api/v1/tokens|{"repetitions":3}`, string(data))
}

func TestExecBackend_RemovesConfigurationFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "path")
	backend := newShellBackend(t, `printf '%s' "$PERFQUEUE_CONFIG" > `+out)

	require.NoError(t, backend.Execute(context.Background(), Spec{RunID: "r1", Configuration: json.RawMessage(`{}`)}))

	path, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(path), ".json"))
	_, err = os.Stat(string(path))
	assert.True(t, os.IsNotExist(err))
}

func TestExecBackend_NonZeroExit(t *testing.T) {
	backend := newShellBackend(t, `echo "controller unreachable" >&2; exit 3`)

	err := backend.Execute(context.Background(), Spec{RunID: "r1"})
	assert.Error(t, err)
}

func TestExecBackend_FailureLogsOutputTail(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	logger := testutil.NewTestLogger()
	backend := NewExecBackend(Config{
		Command: "/bin/sh",
		// About 60 KiB of output before the final line
		Args: []string{"-c", `i=0; while [ $i -lt 2000 ]; do echo "progress line $i of the run"; i=$((i+1)); done; echo "controller unreachable" >&2; exit 1`},
	}, logger.Logger())

	err := backend.Execute(context.Background(), Spec{RunID: "r1"})
	require.Error(t, err)

	entry, found := logger.FindMessage("runner process failed")
	require.True(t, found)
	output, ok := entry.Fields["output"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(output), maxOutputLog)
	assert.True(t, strings.HasSuffix(output, "controller unreachable"))
	assert.NotContains(t, output, "progress line 0 ")
}

func TestTailBuffer(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{name: "under capacity", writes: []string{"ab", "cd"}, want: "abcd"},
		{name: "exactly full", writes: []string{"abc", "de"}, want: "abcde"},
		{name: "overflow drops oldest", writes: []string{"abcd", "efg"}, want: "cdefg"},
		{name: "single large write", writes: []string{"abcdefghij"}, want: "fghij"},
		{name: "large write after small", writes: []string{"xy", "abcdefgh"}, want: "defgh"},
		{name: "many small writes", writes: []string{"a", "b", "c", "d", "e", "f", "g"}, want: "cdefg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := newTailBuffer(5)
			for _, w := range tt.writes {
				n, err := buf.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, buf.String())
			assert.LessOrEqual(t, cap(buf.buf), 10)
		})
	}
}

func TestExecBackend_Cancel(t *testing.T) {
	backend := newShellBackend(t, `exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- backend.Execute(ctx, Spec{RunID: "r1"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled runner did not stop")
	}
}
