package credentials

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/policy"
)

// Loader собирает наборы из конфигурации (env, файл, зашифрованный файл)
type Loader func(ctx context.Context) ([]domain.CredentialSet, error)

// Store — Credential Store. После старта только читается;
// ротация — атомарная замена всего списка, частичное обновление никогда не видно.
type Store struct {
	sets   atomic.Pointer[[]domain.CredentialSet]
	loader Loader
	logger *zap.Logger
}

func NewStore(loader Loader, logger *zap.Logger) *Store {
	s := &Store{loader: loader, logger: logger.Named("credentials")}
	empty := []domain.CredentialSet{}
	s.sets.Store(&empty)
	return s
}

// Reload перечитывает источники и публикует новый список.
func (s *Store) Reload(ctx context.Context) error {
	if s.loader == nil {
		return nil
	}
	sets, err := s.loader(ctx)
	if err != nil {
		s.logger.Error("credential reload failed, keeping previous sets", zap.Error(err))
		return err
	}
	return s.Rotate(sets)
}

// Rotate проверяет и атомарно подменяет наборы.
func (s *Store) Rotate(sets []domain.CredentialSet) error {
	if err := Validate(sets); err != nil {
		return err
	}
	cp := append([]domain.CredentialSet(nil), sets...)
	s.sets.Store(&cp)
	s.logger.Info("credentials rotated", zap.Int("sets", len(cp)))
	return nil
}

// Match — все наборы, чей target_host_pattern совпал с хостом (в порядке конфигурации).
func (s *Store) Match(host string) []domain.CredentialSet {
	var out []domain.CredentialSet
	for _, c := range *s.sets.Load() {
		if policy.MatchHost(c.HostPattern, host) {
			out = append(out, c)
		}
	}
	return out
}

// Sets — снимок для статуса. Секреты не сериализуются в JSON.
func (s *Store) Sets() []domain.CredentialSet {
	return append([]domain.CredentialSet(nil), *s.sets.Load()...)
}

func Validate(sets []domain.CredentialSet) error {
	seen := make(map[string]bool, len(sets))
	for i, c := range sets {
		if c.Name == "" {
			return fmt.Errorf("credential #%d: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("credential %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		switch c.Scheme {
		case domain.SchemeOAuth1, domain.SchemeBearer, domain.SchemeAPIKey:
		default:
			return fmt.Errorf("credential %q: unknown scheme %q", c.Name, c.Scheme)
		}
		if c.HostPattern == "" {
			return fmt.Errorf("credential %q: target_host_pattern is required", c.Name)
		}
		if _, err := policy.CompileHostPattern(c.HostPattern); err != nil {
			return fmt.Errorf("credential %q: bad target_host_pattern: %w", c.Name, err)
		}
	}
	return nil
}

// Combine склеивает несколько загрузчиков в один (env + файл).
func Combine(loaders ...Loader) Loader {
	return func(ctx context.Context) ([]domain.CredentialSet, error) {
		var all []domain.CredentialSet
		for _, l := range loaders {
			sets, err := l(ctx)
			if err != nil {
				return nil, err
			}
			all = append(all, sets...)
		}
		return all, nil
	}
}
