// Package tools — встроенные инструменты шлюза: файлы и shell.
// Параметры приходят уже проверенными Router'ом по guard из Descriptor:
// пути канонические и лежат внутри разрешенных корней.
package tools

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

// Имена встроенных action
const (
	ActionExecuteCommand = "execute_command"
	ActionReadFile       = "read_file"
	ActionWriteFile      = "write_file"
	ActionListDirectory  = "list_directory"
	ActionSearchFiles    = "search_files"
)

const (
	searchContentLimit = 1 << 20 // файлы от 1 MiB не сканируются по содержимому
	maxListEntries     = 10000
	maxSearchResults   = 1000
)

// Guardrails — то, что инструментам нужно от Security Validator
type Guardrails interface {
	Roots() []string
	MaxSize() int64
	ValidatePath(p string) (string, error)
}

type Tools struct {
	fs        FS
	guard     Guardrails
	logger    *zap.Logger
	maxOutput int
}

type Option func(*Tools)

func WithMaxOutput(n int) Option {
	return func(t *Tools) { t.maxOutput = n }
}

func New(fsys FS, guard Guardrails, logger *zap.Logger, opts ...Option) *Tools {
	t := &Tools{fs: fsys, guard: guard, logger: logger.Named("tools")}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Descriptor — встроенный обработчик для Plugin Registry вместе с guard каждого action.
func (t *Tools) Descriptor() domain.HandlerDescriptor {
	return domain.HandlerDescriptor{
		Name:         "builtin",
		Source:       domain.SourceBuiltin,
		Status:       domain.HandlerActive,
		Description:  "Built-in file system and shell tools",
		Capabilities: []string{ActionExecuteCommand, ActionReadFile, ActionWriteFile, ActionListDirectory, ActionSearchFiles},
		Actions: []domain.ActionSpec{
			{
				Name:        ActionExecuteCommand,
				Description: "Execute a shell command with safety validation",
				Params: map[string]string{
					"command": "string, required",
					"timeout": "integer seconds, default 30",
					"cwd":     "string, working directory inside an allowed root",
				},
				Guard: domain.Guard{Command: "command", Paths: []string{"cwd"}},
			},
			{
				Name:        ActionReadFile,
				Description: "Read file contents with safety validation",
				Params: map[string]string{
					"path":      "string, required",
					"encoding":  "utf-8 (default) or base64",
					"max_bytes": "integer, optional read ceiling",
				},
				Guard: domain.Guard{Paths: []string{"path"}, Sizes: []string{"max_bytes"}},
			},
			{
				Name:        ActionWriteFile,
				Description: "Write content to a file with safety validation",
				Params: map[string]string{
					"path":     "string, required",
					"content":  "string, required",
					"encoding": "utf-8 (default) or base64",
				},
				Guard: domain.Guard{Paths: []string{"path"}, Content: []string{"content"}},
			},
			{
				Name:        ActionListDirectory,
				Description: "List directory contents with filtering",
				Params: map[string]string{
					"path":      "string, default is the first allowed root",
					"recursive": "boolean, default false",
					"pattern":   "glob, default *",
				},
				Guard: domain.Guard{Paths: []string{"path"}},
			},
			{
				Name:        ActionSearchFiles,
				Description: "Search files by name and content",
				Params: map[string]string{
					"query": "string, required",
					"path":  "string, default is the first allowed root",
					"type":  "filename, content or both (default)",
				},
				Guard: domain.Guard{Paths: []string{"path"}},
			},
		},
	}
}

// Handle — диспетчер встроенных action
func (t *Tools) Handle(ctx context.Context, action string, params map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch action {
	case ActionExecuteCommand:
		return t.executeCommand(ctx, params)
	case ActionReadFile:
		return t.readFile(params)
	case ActionWriteFile:
		return t.writeFile(params)
	case ActionListDirectory:
		return t.listDirectory(ctx, params)
	case ActionSearchFiles:
		return t.searchFiles(ctx, params)
	}
	return nil, domain.NewError(domain.KindUnknownAction, "builtin does not implement %s", action)
}

// defaultRoot — рабочий корень, если путь не передан
func (t *Tools) defaultRoot() string {
	roots := t.guard.Roots()
	if len(roots) == 0 {
		return ""
	}
	return roots[0]
}

// fileInfo — описание записи каталога
func fileInfo(path string, info fs.FileInfo) map[string]any {
	kind := "file"
	switch {
	case info.IsDir():
		kind = "directory"
	case info.Mode()&fs.ModeSymlink != 0:
		kind = "symlink"
	}
	return map[string]any{
		"name":        filepath.Base(path),
		"path":        path,
		"type":        kind,
		"size":        info.Size(),
		"modified":    info.ModTime().UTC().Format(time.RFC3339),
		"permissions": fmt.Sprintf("%03o", info.Mode().Perm()),
	}
}

func stringParam(params map[string]any, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("%s parameter is required", name)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s parameter must be a string", name)
	}
	if required && s == "" {
		return "", fmt.Errorf("%s parameter is required", name)
	}
	return s, nil
}

func boolParam(params map[string]any, name string) (bool, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s parameter must be a boolean", name)
	}
	return b, nil
}

func intParam(params map[string]any, name string, def int64) (int64, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%s parameter must be an integer", name)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("%s parameter must be an integer", name)
}
