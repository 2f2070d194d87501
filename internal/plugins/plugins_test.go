package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

func constHandler(v any) domain.Handler {
	return domain.HandlerFunc(func(context.Context, string, map[string]any) (any, error) {
		return v, nil
	})
}

type fakeDiscoverer struct {
	found []Discovered
	err   error
}

func (f *fakeDiscoverer) Discover(context.Context) ([]Discovered, error) {
	return f.found, f.err
}

func builtin() domain.HandlerDescriptor {
	return domain.HandlerDescriptor{
		Name:    "builtin",
		Source:  domain.SourceBuiltin,
		Actions: []domain.ActionSpec{{Name: "read_file", Guard: domain.Guard{Paths: []string{"path"}}}},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	require.NoError(t, r.Register(builtin(), constHandler("builtin")))

	h, spec, err := r.Resolve("read_file")
	require.NoError(t, err)
	assert.Equal(t, []string{"path"}, spec.Guard.Paths)
	out, _ := h.Handle(context.Background(), "read_file", nil)
	assert.Equal(t, "builtin", out)

	_, _, err = r.Resolve("nope")
	assert.ErrorIs(t, err, domain.ErrUnknownAction)

	// чужой action занять нельзя
	err = r.Register(domain.HandlerDescriptor{Name: "evil", Capabilities: []string{"read_file"}}, constHandler("evil"))
	assert.ErrorContains(t, err, "already provided by builtin")

	assert.True(t, r.Unregister("builtin"))
	assert.False(t, r.Unregister("builtin"))
	_, _, err = r.Resolve("read_file")
	assert.ErrorIs(t, err, domain.ErrUnknownAction)
}

func TestReloadPartialFailure(t *testing.T) {
	disc := &fakeDiscoverer{found: []Discovered{
		{Descriptor: domain.HandlerDescriptor{Name: "weather", Capabilities: []string{"forecast"}}, Handler: constHandler("sunny")},
		{Descriptor: domain.HandlerDescriptor{Name: "broken", Capabilities: []string{"explode"}}, Err: errors.New("init failed")},
	}}
	r := NewRegistry(disc, zap.NewNop())
	require.NoError(t, r.Register(builtin(), constHandler("builtin")))

	loaded, failed, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 1, failed)

	_, _, err = r.Resolve("forecast")
	assert.NoError(t, err)
	_, _, err = r.Resolve("explode")
	assert.ErrorIs(t, err, domain.ErrUnknownAction)
	_, _, err = r.Resolve("read_file")
	assert.NoError(t, err, "builtins survive reload")

	byName := map[string]domain.HandlerDescriptor{}
	for _, d := range r.Descriptors() {
		byName[d.Name] = d
	}
	require.Len(t, byName, 3)
	assert.Equal(t, domain.HandlerError, byName["broken"].Status)
	assert.Equal(t, "init failed", byName["broken"].Error)
	assert.Equal(t, domain.HandlerActive, byName["weather"].Status)
	assert.Equal(t, domain.SourcePlugin, byName["weather"].Source)
}

func TestReloadKeepsInFlightHandler(t *testing.T) {
	disc := &fakeDiscoverer{found: []Discovered{
		{Descriptor: domain.HandlerDescriptor{Name: "p", Capabilities: []string{"act"}}, Handler: constHandler("v1")},
	}}
	r := NewRegistry(disc, zap.NewNop())
	_, _, err := r.Reload(context.Background())
	require.NoError(t, err)

	old, _, err := r.Resolve("act")
	require.NoError(t, err)

	disc.found[0].Handler = constHandler("v2")
	_, _, err = r.Reload(context.Background())
	require.NoError(t, err)

	// уже полученный обработчик доигрывает старую версию
	out, _ := old.Handle(context.Background(), "act", nil)
	assert.Equal(t, "v1", out)
	cur, _, _ := r.Resolve("act")
	out, _ = cur.Handle(context.Background(), "act", nil)
	assert.Equal(t, "v2", out)
}

func TestReloadDiscoveryErrorKeepsSnapshot(t *testing.T) {
	disc := &fakeDiscoverer{found: []Discovered{
		{Descriptor: domain.HandlerDescriptor{Name: "p", Capabilities: []string{"act"}}, Handler: constHandler("v1")},
	}}
	r := NewRegistry(disc, zap.NewNop())
	_, _, err := r.Reload(context.Background())
	require.NoError(t, err)

	disc.err = errors.New("dir vanished")
	_, _, err = r.Reload(context.Background())
	assert.Error(t, err)
	_, _, err = r.Resolve("act")
	assert.NoError(t, err)
}

func TestRegisterMixedActionsAndCapabilities(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	d := domain.HandlerDescriptor{
		Name:         "mixed",
		Capabilities: []string{"guarded", "plain"},
		Actions:      []domain.ActionSpec{{Name: "guarded", Guard: domain.Guard{Paths: []string{"path"}}}},
	}
	require.NoError(t, r.Register(d, constHandler("ok")))

	_, spec, err := r.Resolve("guarded")
	require.NoError(t, err)
	assert.Equal(t, []string{"path"}, spec.Guard.Paths)

	_, spec, err = r.Resolve("plain")
	require.NoError(t, err, "capability without an action description is still served")
	assert.Empty(t, spec.Guard.Paths)

	assert.Len(t, r.Actions(), 2)
	require.Len(t, r.Descriptors(), 1)
	assert.ElementsMatch(t, []string{"guarded", "plain"}, r.Descriptors()[0].Capabilities)
}

func TestReloadDuplicatePluginName(t *testing.T) {
	disc := &fakeDiscoverer{found: []Discovered{
		{Descriptor: domain.HandlerDescriptor{Name: "twin", Capabilities: []string{"first"}}, Handler: constHandler("one")},
		{Descriptor: domain.HandlerDescriptor{Name: "twin", Capabilities: []string{"second"}}, Handler: constHandler("two")},
	}}
	r := NewRegistry(disc, zap.NewNop())

	loaded, failed, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 1, failed)

	h, _, err := r.Resolve("first")
	require.NoError(t, err)
	out, _ := h.Handle(context.Background(), "first", nil)
	assert.Equal(t, "one", out)
	_, _, err = r.Resolve("second")
	assert.ErrorIs(t, err, domain.ErrUnknownAction)

	// имя встроенного обработчика плагину тоже не достается
	require.NoError(t, r.Register(builtin(), constHandler("builtin")))
	disc.found = []Discovered{
		{Descriptor: domain.HandlerDescriptor{Name: "builtin", Capabilities: []string{"other"}}, Handler: constHandler("x")},
	}
	loaded, failed, err = r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, loaded)
	assert.Equal(t, 1, failed)
	_, _, err = r.Resolve("read_file")
	assert.NoError(t, err)
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
name: notes
version: "1.2.0"
description: Note taking
kind: exec
command: ["./notes.sh"]
capabilities: [note_add, note_list]
guard:
  paths: [file]
actions:
  - name: note_list
    description: List notes
    guard:
      paths: [dir]
`))
	require.NoError(t, err)
	d := m.Descriptor()
	assert.Equal(t, []string{"note_list", "note_add"}, d.Capabilities)
	require.Len(t, d.Actions, 2)
	assert.Equal(t, []string{"dir"}, d.Actions[0].Guard.Paths)
	assert.Equal(t, []string{"file"}, d.Actions[1].Guard.Paths)

	_, err = ParseManifest([]byte("name: x\nkind: exec\ncommand: [a]\ncapabilities: [y]\nsurprise: 1\n"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("name: x\nkind: grpc\ncapabilities: [y]\n"))
	assert.ErrorContains(t, err, "unknown kind")
	_, err = ParseManifest([]byte("name: builtin\nkind: exec\ncommand: [a]\ncapabilities: [y]\n"))
	assert.ErrorContains(t, err, "reserved")
}

const echoScript = `#!/bin/sh
read -r line
case "$line" in
  *'"fail"'*) echo '{"error":"asked to fail"}' ;;
  *) printf '{"result":{"echo":%s}}' "$line" ;;
esac
`

func TestManifestLoaderExecPlugin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.sh"), []byte(echoScript), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo"+ManifestSuffix), []byte(`
name: echo
kind: exec
command: ["./echo.sh"]
handshake: true
capabilities: [echo, fail]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad"+ManifestSuffix), []byte("name: [oops"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.yaml"), []byte("name: x"), 0o644))

	r := NewRegistry(NewManifestLoader(dir, zap.NewNop()), zap.NewNop())
	loaded, failed, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 1, failed)

	h, _, err := r.Resolve("echo")
	require.NoError(t, err)
	out, err := h.Handle(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	echoed := out.(map[string]any)["echo"].(map[string]any)
	assert.Equal(t, "echo", echoed["action"])
	assert.Equal(t, map[string]any{"msg": "hi"}, echoed["params"])

	_, err = h.Handle(context.Background(), "fail", nil)
	assert.EqualError(t, err, "asked to fail")
}

func TestManifestLoaderMissingDir(t *testing.T) {
	l := NewManifestLoader(filepath.Join(t.TempDir(), "absent"), zap.NewNop())
	_, err := l.Discover(context.Background())
	assert.Error(t, err)
}

type fakeForwarder struct {
	calls  atomic.Int32
	denyN  int32 // первые N вызовов получают rate_limited
	status int
	last   domain.EgressRequest
}

func (f *fakeForwarder) Forward(_ context.Context, req domain.EgressRequest) (domain.EgressResponse, error) {
	n := f.calls.Add(1)
	f.last = req
	if n <= f.denyN {
		return domain.EgressResponse{Decision: domain.EgressRateLimited}, domain.NewError(domain.KindRateLimited, "slow down")
	}
	var wire wireRequest
	_ = json.Unmarshal([]byte(req.Body), &wire)
	body, _ := json.Marshal(map[string]any{"result": map[string]any{"action": wire.Action}})
	return domain.EgressResponse{Decision: domain.EgressCompleted, StatusCode: f.status, Body: string(body)}, nil
}

func TestHTTPPluginGoesThroughForwarder(t *testing.T) {
	fw := &fakeForwarder{status: 200, denyN: 1}
	m := &Manifest{Name: "remote", Kind: KindHTTP, Endpoint: "https://plugins.example.com/rpc", Capabilities: []string{"lookup"}}
	p := newHTTPPlugin(m, fw)

	require.NoError(t, p.handshake(context.Background()), "rate limited handshake is retried")
	assert.Equal(t, int32(2), fw.calls.Load())

	out, err := p.Handle(context.Background(), "lookup", map[string]any{"q": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"action": "lookup"}, out)
	assert.Equal(t, "POST", fw.last.Method)
	assert.Equal(t, "https://plugins.example.com/rpc", fw.last.URL)

	fw.status = 404
	_, err = p.Handle(context.Background(), "lookup", nil)
	assert.ErrorContains(t, err, "returned 404")
}
