package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/process"
)

// ActionDescribe — служебный action рукопожатия при загрузке
const ActionDescribe = "describe"

// wireRequest и wireResponse — протокол плагина: один JSON-объект на вызов
type wireRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

type wireResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func decodeWire(data []byte) (any, error) {
	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed plugin response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("malformed plugin result: %w", err)
	}
	return out, nil
}

// execPlugin — отдельный процесс на каждый вызов: {action, params} в stdin, {result}|{error} из stdout.
type execPlugin struct {
	name      string
	argv      []string
	dir       string
	timeout   time.Duration
	maxOutput int
}

func newExecPlugin(m *Manifest, maxOutput int) *execPlugin {
	argv := append([]string(nil), m.Command...)
	// ./tool и bin/tool считаются относительно каталога манифеста
	if strings.ContainsRune(argv[0], filepath.Separator) && !filepath.IsAbs(argv[0]) {
		argv[0] = filepath.Join(m.dir, argv[0])
	}
	return &execPlugin{
		name:      m.Name,
		argv:      argv,
		dir:       m.dir,
		timeout:   time.Duration(m.Timeout) * time.Second,
		maxOutput: maxOutput,
	}
}

func (p *execPlugin) Handle(ctx context.Context, action string, params map[string]any) (any, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	payload, err := json.Marshal(wireRequest{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode plugin request: %w", err)
	}

	res, err := process.Run(ctx, process.Spec{Args: p.argv, Stdin: payload, Dir: p.dir, MaxOutput: p.maxOutput})
	if err != nil {
		return nil, err
	}
	if res.Truncated {
		return nil, fmt.Errorf("plugin %s: response exceeds output limit", p.name)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("plugin %s exited with code %d: %s", p.name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return decodeWire([]byte(res.Stdout))
}

// describe — рукопожатие: плагин может уточнить версию и описание.
func (p *execPlugin) describe(ctx context.Context, d *domain.HandlerDescriptor) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := p.Handle(ctx, ActionDescribe, map[string]any{})
	if err != nil {
		return fmt.Errorf("plugin %s handshake: %w", p.name, err)
	}
	info, ok := out.(map[string]any)
	if !ok {
		return nil
	}
	if v, ok := info["version"].(string); ok && v != "" {
		d.Version = v
	}
	if v, ok := info["description"].(string); ok && v != "" {
		d.Description = v
	}
	return nil
}
