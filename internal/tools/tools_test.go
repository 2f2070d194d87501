package tools

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/policy"
)

func newTools(t *testing.T) (*Tools, string) {
	t.Helper()
	v, err := policy.NewValidator(context.Background(), policy.Config{AllowedRoots: []string{t.TempDir()}})
	require.NoError(t, err)
	return New(OSFS{}, v, zap.NewNop()), v.Roots()[0]
}

func call(t *testing.T, tl *Tools, action string, params map[string]any) map[string]any {
	t.Helper()
	out, err := tl.Handle(context.Background(), action, params)
	require.NoError(t, err)
	return out.(map[string]any)
}

func TestWriteThenReadFile(t *testing.T) {
	tl, root := newTools(t)
	path := filepath.Join(root, "nested", "dir", "note.txt")

	res := call(t, tl, ActionWriteFile, map[string]any{"path": path, "content": "hello waygate"})
	assert.Equal(t, 13, res["size"])

	res = call(t, tl, ActionReadFile, map[string]any{"path": path})
	assert.Equal(t, "hello waygate", res["content"])
	assert.Equal(t, "utf-8", res["encoding"])

	res = call(t, tl, ActionReadFile, map[string]any{"path": path, "encoding": "base64"})
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello waygate")), res["content"])
}

func TestReadFileErrors(t *testing.T) {
	tl, root := newTools(t)
	ctx := context.Background()

	_, err := tl.Handle(ctx, ActionReadFile, map[string]any{"path": filepath.Join(root, "missing")})
	assert.ErrorContains(t, err, "does not exist")

	_, err = tl.Handle(ctx, ActionReadFile, map[string]any{"path": root})
	assert.ErrorContains(t, err, "not a file")

	big := filepath.Join(root, "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, 64), 0o644))
	_, err = tl.Handle(ctx, ActionReadFile, map[string]any{"path": big, "max_bytes": float64(10)})
	assert.ErrorIs(t, err, domain.ErrPolicyViolation)

	_, err = tl.Handle(ctx, ActionReadFile, map[string]any{})
	assert.ErrorContains(t, err, "path parameter is required")
}

func TestListDirectory(t *testing.T) {
	tl, root := newTools(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.go"), []byte("package b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("#"), 0o644))

	res := call(t, tl, ActionListDirectory, map[string]any{})
	assert.Equal(t, 3, res["count"])

	res = call(t, tl, ActionListDirectory, map[string]any{"path": root, "recursive": true, "pattern": "*.go"})
	assert.Equal(t, 2, res["count"])
	entries := res["entries"].([]map[string]any)
	for _, e := range entries {
		assert.Equal(t, "file", e["type"])
		assert.Equal(t, "644", e["permissions"])
	}
}

func TestSearchFiles(t *testing.T) {
	tl, root := newTools(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("needle"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "escape.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Needle.txt"), []byte("nothing"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("a NEEDLE in text"), 0o644))

	res := call(t, tl, ActionSearchFiles, map[string]any{"query": "needle"})
	require.Equal(t, 2, res["count"], "escaping symlink must be skipped")

	res = call(t, tl, ActionSearchFiles, map[string]any{"query": "needle", "type": "filename"})
	assert.Equal(t, 1, res["count"])

	_, err := tl.Handle(context.Background(), ActionSearchFiles, map[string]any{"query": "x", "type": "regex"})
	assert.Error(t, err)
}

func TestExecuteCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	tl, root := newTools(t)

	res := call(t, tl, ActionExecuteCommand, map[string]any{"command": "pwd; echo oops >&2; exit 2"})
	assert.Equal(t, 2, res["return_code"])
	assert.Contains(t, res["stdout"], root)
	assert.Equal(t, "oops\n", res["stderr"])

	start := time.Now()
	_, err := tl.Handle(context.Background(), ActionExecuteCommand, map[string]any{"command": "sleep 10", "timeout": float64(1)})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = tl.Handle(ctx, ActionExecuteCommand, map[string]any{"command": "sleep 10"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDescriptorGuards(t *testing.T) {
	tl, _ := newTools(t)
	d := tl.Descriptor()
	assert.Equal(t, domain.SourceBuiltin, d.Source)
	require.Len(t, d.Actions, 5)
	for _, a := range d.Actions {
		assert.False(t, a.Guard.IsZero(), a.Name)
	}

	_, err := tl.Handle(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownAction)
}
