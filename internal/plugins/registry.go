package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

// Discovered — результат обнаружения одного плагина. Err != nil — инициализация упала.
type Discovered struct {
	Descriptor domain.HandlerDescriptor
	Handler    domain.Handler
	Err        error
}

// Discoverer перечисляет плагины из настроенного каталога
type Discoverer interface {
	Discover(ctx context.Context) ([]Discovered, error)
}

type entry struct {
	desc    domain.HandlerDescriptor
	handler domain.Handler
}

// snapshot — неизменяемое состояние реестра. Читатели берут указатель целиком.
type snapshot struct {
	entries map[string]*entry           // по имени обработчика
	actions map[string]*entry           // action -> активный обработчик
	specs   map[string]domain.ActionSpec // action -> guard и описание
}

func newSnapshot() *snapshot {
	return &snapshot{
		entries: make(map[string]*entry),
		actions: make(map[string]*entry),
		specs:   make(map[string]domain.ActionSpec),
	}
}

func (s *snapshot) clone() *snapshot {
	n := newSnapshot()
	for k, v := range s.entries {
		n.entries[k] = v
	}
	for k, v := range s.actions {
		n.actions[k] = v
	}
	for k, v := range s.specs {
		n.specs[k] = v
	}
	return n
}

// actionSpecs — action обработчика: все Actions плюс Capabilities без описания (без guard)
func actionSpecs(d domain.HandlerDescriptor) []domain.ActionSpec {
	specs := make([]domain.ActionSpec, 0, len(d.Actions)+len(d.Capabilities))
	declared := make(map[string]bool, len(d.Actions))
	for _, a := range d.Actions {
		specs = append(specs, a)
		declared[a.Name] = true
	}
	for _, c := range d.Capabilities {
		if !declared[c] {
			specs = append(specs, domain.ActionSpec{Name: c})
			declared[c] = true
		}
	}
	return specs
}

// add кладет обработчик в снимок. Конфликт action с другим обработчиком — ошибка.
func (s *snapshot) add(d domain.HandlerDescriptor, h domain.Handler) error {
	if d.Status == domain.HandlerError {
		// упавший плагин виден в списке, но action не получает
		s.remove(d.Name)
		s.entries[d.Name] = &entry{desc: d}
		return nil
	}
	specs := actionSpecs(d)
	if len(specs) == 0 {
		return fmt.Errorf("handler %s declares no actions", d.Name)
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return fmt.Errorf("handler %s has an action without a name", d.Name)
		}
		if owner, ok := s.actions[spec.Name]; ok && owner.desc.Name != d.Name {
			return fmt.Errorf("action %s of %s is already provided by %s", spec.Name, d.Name, owner.desc.Name)
		}
	}
	s.remove(d.Name)

	if d.Status == "" {
		d.Status = domain.HandlerActive
	}
	// Capabilities в дескрипторе — полный список обслуживаемых action
	caps := make([]string, 0, len(specs))
	for _, spec := range specs {
		caps = append(caps, spec.Name)
	}
	d.Capabilities = caps
	e := &entry{desc: d, handler: h}
	s.entries[d.Name] = e
	if d.Status != domain.HandlerActive {
		return nil
	}
	for _, spec := range specs {
		s.actions[spec.Name] = e
		s.specs[spec.Name] = spec
	}
	return nil
}

func (s *snapshot) remove(name string) {
	old, ok := s.entries[name]
	if !ok {
		return
	}
	delete(s.entries, name)
	for action, e := range s.actions {
		if e == old {
			delete(s.actions, action)
			delete(s.specs, action)
		}
	}
}

// Registry — Plugin Registry. Чтение (Resolve) не берет блокировок:
// писатели собирают новый снимок и атомарно публикуют его (copy-on-write).
// Вызов, уже получивший обработчик, доигрывает на старом снимке.
type Registry struct {
	writeMu    sync.Mutex
	snap       atomic.Pointer[snapshot]
	discoverer Discoverer
	logger     *zap.Logger
}

func NewRegistry(discoverer Discoverer, logger *zap.Logger) *Registry {
	r := &Registry{discoverer: discoverer, logger: logger.Named("registry")}
	r.snap.Store(newSnapshot())
	return r
}

// Register добавляет или заменяет обработчик.
func (r *Registry) Register(d domain.HandlerDescriptor, h domain.Handler) error {
	if d.Name == "" {
		return fmt.Errorf("handler name is required")
	}
	if h == nil && d.Status != domain.HandlerError {
		return fmt.Errorf("handler %s: implementation is nil", d.Name)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.snap.Load().clone()
	if err := next.add(d, h); err != nil {
		return err
	}
	r.snap.Store(next)
	r.logger.Info("handler registered", zap.String("name", d.Name), zap.String("source", string(d.Source)))
	return nil
}

// Unregister убирает обработчик и его action
func (r *Registry) Unregister(name string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.entries[name]; !ok {
		return false
	}
	next := cur.clone()
	next.remove(name)
	r.snap.Store(next)
	r.logger.Info("handler unregistered", zap.String("name", name))
	return true
}

// Resolve находит активный обработчик action. Нет такого — UnknownAction.
func (r *Registry) Resolve(action string) (domain.Handler, domain.ActionSpec, error) {
	s := r.snap.Load()
	e, ok := s.actions[action]
	if !ok {
		return nil, domain.ActionSpec{}, domain.NewError(domain.KindUnknownAction, "no handler registered for %q", action)
	}
	return e.handler, s.specs[action], nil
}

// Descriptors — все обработчики, включая упавшие, по имени
func (r *Registry) Descriptors() []domain.HandlerDescriptor {
	s := r.snap.Load()
	out := make([]domain.HandlerDescriptor, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Actions — каталог доступных action для /v1/tools
func (r *Registry) Actions() []domain.ActionSpec {
	s := r.snap.Load()
	out := make([]domain.ActionSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload заново обнаруживает плагины. Встроенные обработчики остаются как есть.
// Плагин с ошибкой инициализации получает статус error и не участвует в Resolve,
// остальные загружаются. Ошибка самого обнаружения оставляет прежний снимок.
func (r *Registry) Reload(ctx context.Context) (loaded, failed int, err error) {
	if r.discoverer == nil {
		return 0, 0, nil
	}
	found, err := r.discoverer.Discover(ctx)
	if err != nil {
		r.logger.Error("plugin discovery failed, keeping previous registry", zap.Error(err))
		return 0, 0, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := newSnapshot()
	for _, e := range r.snap.Load().entries {
		if e.desc.Source == domain.SourceBuiltin {
			_ = next.add(e.desc, e.handler)
		}
	}

	for _, p := range found {
		d := p.Descriptor
		d.Source = domain.SourcePlugin
		loadErr := p.Err
		if _, dup := next.entries[d.Name]; loadErr == nil && dup {
			loadErr = fmt.Errorf("plugin name %q is already taken", d.Name)
		}
		if loadErr == nil {
			d.Status = domain.HandlerActive
			d.Error = ""
			if loadErr = next.add(d, p.Handler); loadErr == nil {
				loaded++
				continue
			}
		}
		failed++
		d.Status = domain.HandlerError
		d.Error = loadErr.Error()
		if _, taken := next.entries[d.Name]; d.Name != "" && !taken {
			_ = next.add(d, nil)
		}
		p.Err = loadErr
		r.logger.Warn("plugin failed to load", zap.String("plugin", d.Name), zap.Error(p.Err))
	}

	r.snap.Store(next)
	r.logger.Info("plugins reloaded", zap.Int("loaded", loaded), zap.Int("failed", failed))
	return loaded, failed, nil
}
