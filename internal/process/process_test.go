//go:build unix

package process

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Spec{Command: "echo out; echo err >&2; pwd; exit 3", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stdout, dir)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.Truncated)
}

func TestRunScrubsEnvironment(t *testing.T) {
	t.Setenv("X_CONSUMER_SECRET", "leak")
	t.Setenv("WAYGATE_SECRET_KEY", "leak")
	res, err := Run(context.Background(), Spec{Command: "env"})
	require.NoError(t, err)
	assert.NotContains(t, res.Stdout, "leak")
}

func TestRunCapsOutput(t *testing.T) {
	res, err := Run(context.Background(), Spec{Command: "yes | head -c 10000", MaxOutput: 100})
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 100)
	assert.True(t, res.Truncated)
}

func TestRunKillsProcessGroupOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// дочерний sleep держит stdout: без kill группы Run ждал бы его
	res, err := Run(ctx, Spec{Command: "sleep 30 & sleep 30; echo done"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
	assert.NotContains(t, res.Stdout, "done")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestScrubEnv(t *testing.T) {
	env := ScrubEnv([]string{"PATH=/bin", "X_TOKEN=1", "HOME=/root", "broken"}, DefaultEnvAllow)
	assert.Equal(t, "PATH=/bin,HOME=/root", strings.Join(env, ","))
}
