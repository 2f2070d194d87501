package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/waygate/internal/domain"
)

// ManifestSuffix — расширение файлов-манифестов в каталоге плагинов
const ManifestSuffix = ".plugin.yaml"

// Kind — способ вызова плагина
type Kind string

const (
	KindExec Kind = "exec" // JSON через stdin/stdout дочернего процесса
	KindHTTP Kind = "http" // POST на endpoint через Egress Engine
)

// Manifest — описание плагина в *.plugin.yaml
type Manifest struct {
	Name         string              `yaml:"name"`
	Version      string              `yaml:"version"`
	Description  string              `yaml:"description"`
	Kind         Kind                `yaml:"kind"`
	Command      []string            `yaml:"command"`  // exec: argv, путь относительно каталога манифеста
	Endpoint     string              `yaml:"endpoint"` // http: URL
	Handshake    bool                `yaml:"handshake"`
	Capabilities []string            `yaml:"capabilities"`
	Guard        domain.Guard        `yaml:"guard"` // guard по умолчанию для capabilities
	Actions      []domain.ActionSpec `yaml:"actions"`
	Timeout      int                 `yaml:"timeout"` // секунды на один вызов, 0 — только таймаут команды

	dir string
}

// ParseManifest — строгий разбор: неизвестные поля считаются ошибкой.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return errors.New("manifest: name is required")
	}
	if m.Name == "builtin" {
		return errors.New("manifest: name builtin is reserved")
	}
	switch m.Kind {
	case KindExec:
		if len(m.Command) == 0 {
			return fmt.Errorf("plugin %s: exec plugin needs a command", m.Name)
		}
	case KindHTTP:
		if m.Endpoint == "" {
			return fmt.Errorf("plugin %s: http plugin needs an endpoint", m.Name)
		}
	default:
		return fmt.Errorf("plugin %s: unknown kind %q", m.Name, m.Kind)
	}
	if len(m.Capabilities) == 0 && len(m.Actions) == 0 {
		return fmt.Errorf("plugin %s: no capabilities declared", m.Name)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("plugin %s: negative timeout", m.Name)
	}
	return nil
}

// Descriptor — запись для реестра. Capability без явного action получает guard манифеста.
func (m *Manifest) Descriptor() domain.HandlerDescriptor {
	actions := append([]domain.ActionSpec(nil), m.Actions...)
	declared := make(map[string]bool, len(actions))
	for _, a := range actions {
		declared[a.Name] = true
	}
	for _, c := range m.Capabilities {
		if !declared[c] {
			actions = append(actions, domain.ActionSpec{Name: c, Description: m.Description, Guard: m.Guard})
			declared[c] = true
		}
	}
	caps := make([]string, 0, len(actions))
	for _, a := range actions {
		caps = append(caps, a.Name)
	}
	return domain.HandlerDescriptor{
		Name:         m.Name,
		Capabilities: caps,
		Source:       domain.SourcePlugin,
		Version:      m.Version,
		Description:  m.Description,
		Actions:      actions,
	}
}

// ManifestLoader — Discoverer над каталогом манифестов.
type ManifestLoader struct {
	dir       string
	forwarder Forwarder // транспорт http-плагинов
	maxOutput int
	logger    *zap.Logger
}

type LoaderOption func(*ManifestLoader)

func WithForwarder(f Forwarder) LoaderOption {
	return func(l *ManifestLoader) { l.forwarder = f }
}

func WithPluginOutput(n int) LoaderOption {
	return func(l *ManifestLoader) { l.maxOutput = n }
}

func NewManifestLoader(dir string, logger *zap.Logger, opts ...LoaderOption) *ManifestLoader {
	l := &ManifestLoader{dir: dir, logger: logger.Named("plugins")}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Discover читает все манифесты каталога. Ошибка отдельного плагина попадает в его Err,
// ошибка — только если сам каталог недоступен.
func (l *ManifestLoader) Discover(ctx context.Context) ([]Discovered, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir %s: %w", l.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ManifestSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Discovered, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, l.load(ctx, filepath.Join(l.dir, name)))
	}
	return out, nil
}

func (l *ManifestLoader) load(ctx context.Context, path string) Discovered {
	fallback := domain.HandlerDescriptor{
		Name:   strings.TrimSuffix(filepath.Base(path), ManifestSuffix),
		Source: domain.SourcePlugin,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Discovered{Descriptor: fallback, Err: err}
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Discovered{Descriptor: fallback, Err: err}
	}
	m.dir = filepath.Dir(path)
	d := m.Descriptor()

	var h domain.Handler
	switch m.Kind {
	case KindExec:
		ep := newExecPlugin(m, l.maxOutput)
		if m.Handshake {
			if err := ep.describe(ctx, &d); err != nil {
				return Discovered{Descriptor: d, Err: err}
			}
		}
		h = ep
	case KindHTTP:
		if l.forwarder == nil {
			return Discovered{Descriptor: d, Err: fmt.Errorf("plugin %s: no egress transport configured", m.Name)}
		}
		hp := newHTTPPlugin(m, l.forwarder)
		if m.Handshake {
			if err := hp.handshake(ctx); err != nil {
				return Discovered{Descriptor: d, Err: err}
			}
		}
		h = hp
	}
	l.logger.Debug("plugin discovered", zap.String("plugin", m.Name), zap.String("kind", string(m.Kind)))
	return Discovered{Descriptor: d, Handler: h}
}
