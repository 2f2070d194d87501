package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xela07ax/waygate/internal/domain"
)

// Значения по умолчанию
const (
	DefaultMaxSize    int64 = 10 << 20 // 10 MiB
	DefaultMaxPathLen       = 4096     // PATH_MAX
	maxNameLen              = 255      // NAME_MAX: длиннее — файловая система молча обрежет
)

// Config — настройки валидатора, приходят из секции security.
type Config struct {
	AllowedRoots  []string
	MaxSize       int64
	MaxPathLen    int
	CommandDeny   []string // дополнительные шаблоны deny-list
	CommandPolicy string   // исходник Rego, пусто — DefaultCommandPolicy
}

// Resolver — доступ к метаданным файловой системы, нужный для канонизации.
// Подменяется в тестах, чтобы доказать, что отказ произошел без обращения к ФС.
type Resolver interface {
	EvalSymlinks(path string) (string, error)
	Lstat(path string) (fs.FileInfo, error)
}

type osResolver struct{}

func (osResolver) EvalSymlinks(p string) (string, error) { return filepath.EvalSymlinks(p) }
func (osResolver) Lstat(p string) (fs.FileInfo, error)   { return os.Lstat(p) }

// Validator — Security Validator: чистые проверки запроса без побочных эффектов.
// Вызывается из Command Router и Egress Policy Engine.
type Validator struct {
	lexRoots   []string // корни как сконфигурированы (abs + clean)
	roots      []string // корни после раскрытия симлинков
	maxSize    int64
	maxPathLen int
	resolver   Resolver
	commands   *CommandGuard
}

type ValidatorOption func(*Validator)

func WithResolver(r Resolver) ValidatorOption {
	return func(v *Validator) { v.resolver = r }
}

func NewValidator(ctx context.Context, cfg Config, opts ...ValidatorOption) (*Validator, error) {
	if len(cfg.AllowedRoots) == 0 {
		return nil, fmt.Errorf("security: at least one allowed root is required")
	}
	v := &Validator{
		maxSize:    cfg.MaxSize,
		maxPathLen: cfg.MaxPathLen,
		resolver:   osResolver{},
	}
	if v.maxSize <= 0 {
		v.maxSize = DefaultMaxSize
	}
	if v.maxPathLen <= 0 {
		v.maxPathLen = DefaultMaxPathLen
	}
	for _, o := range opts {
		o(v)
	}

	for _, r := range cfg.AllowedRoots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("security: allowed root %q: %w", r, err)
		}
		abs = filepath.Clean(abs)
		resolved, err := v.resolver.EvalSymlinks(abs)
		if err != nil {
			// Корень еще не создан — принимаем лексическую форму
			resolved = abs
		}
		v.lexRoots = appendUnique(v.lexRoots, abs)
		v.roots = appendUnique(v.roots, resolved)
	}

	guard, err := NewCommandGuard(ctx, cfg.CommandDeny, cfg.CommandPolicy)
	if err != nil {
		return nil, err
	}
	v.commands = guard
	return v, nil
}

// Roots возвращает канонические разрешенные корни. Первый — рабочий по умолчанию.
func (v *Validator) Roots() []string {
	return append([]string(nil), v.roots...)
}

func (v *Validator) MaxSize() int64 { return v.maxSize }

// ValidateSize — потолок размера до любого I/O.
func (v *Validator) ValidateSize(n int64) error {
	if n < 0 {
		return domain.PolicyViolation("negative size %d", n)
	}
	if n > v.maxSize {
		return domain.PolicyViolation("size %d exceeds ceiling of %d bytes", n, v.maxSize)
	}
	return nil
}

// ValidateCommand — deny-list и Rego-политика для execute_command.
// Эвристика, а не граница безопасности: процесс дополнительно изолируется при запуске.
func (v *Validator) ValidateCommand(ctx context.Context, command string) error {
	return v.commands.Check(ctx, command)
}

// Check применяет guard action к параметрам команды.
// Возвращает копию params, где пути заменены на канонические.
func (v *Validator) Check(ctx context.Context, guard domain.Guard, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, val := range params {
		out[k] = val
	}
	if guard.IsZero() {
		return out, nil
	}

	for _, name := range guard.Sizes {
		raw, ok := out[name]
		if !ok || raw == nil {
			continue
		}
		n, ok := asInt64(raw)
		if !ok {
			return nil, domain.PolicyViolation("parameter %q must be a number", name)
		}
		if err := v.ValidateSize(n); err != nil {
			return nil, err
		}
	}

	for _, name := range guard.Content {
		raw, ok := out[name]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return nil, domain.PolicyViolation("parameter %q must be a string", name)
		}
		if err := v.ValidateSize(int64(len(s))); err != nil {
			return nil, err
		}
	}

	if guard.Command != "" {
		if raw, ok := out[guard.Command]; ok && raw != nil {
			s, ok := raw.(string)
			if !ok {
				return nil, domain.PolicyViolation("parameter %q must be a string", guard.Command)
			}
			if err := v.ValidateCommand(ctx, s); err != nil {
				return nil, err
			}
		}
	}

	// Пути проверяем последними: это единственная проверка, которая может трогать метаданные ФС
	for _, name := range guard.Paths {
		raw, ok := out[name]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return nil, domain.PolicyViolation("parameter %q must be a string", name)
		}
		canonical, err := v.ValidatePath(s)
		if err != nil {
			return nil, err
		}
		out[name] = canonical
	}
	return out, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case float32:
		return int64(n), n == float32(int64(n))
	}
	return 0, false
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
