package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

// RuleSource — откуда берутся правила egress (файл, статический список в тестах)
type RuleSource interface {
	LoadRules(ctx context.Context) ([]domain.EgressRule, error)
}

// FileSource читает JSON-файл правил (комментарии и висячие запятые допустимы).
type FileSource string

func (f FileSource) LoadRules(_ context.Context) ([]domain.EgressRule, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(data)
}

// StaticSource — фиксированный список
type StaticSource []domain.EgressRule

func (s StaticSource) LoadRules(_ context.Context) ([]domain.EgressRule, error) {
	rules := append([]domain.EgressRule(nil), s...)
	if err := NormalizeRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// RuleStore — In-memory снимок упорядоченного списка правил.
// В рантайме Egress Engine обращается только к памяти, источник читается при Refresh.
// Публикация нового списка — атомарная замена указателя, запрос видит либо старый, либо новый список целиком.
type RuleStore struct {
	rules  atomic.Pointer[[]domain.EgressRule]
	source RuleSource
	logger *zap.Logger
}

func NewRuleStore(source RuleSource, logger *zap.Logger) *RuleStore {
	s := &RuleStore{
		source: source,
		logger: logger.Named("rules"),
	}
	empty := []domain.EgressRule{}
	s.rules.Store(&empty)
	return s
}

// Rules — текущий снимок. Вызывающий не должен его менять.
func (s *RuleStore) Rules() []domain.EgressRule {
	return *s.rules.Load()
}

// Refresh перечитывает источник. При ошибке старые правила остаются в силе.
func (s *RuleStore) Refresh(ctx context.Context) error {
	rules, err := s.source.LoadRules(ctx)
	if err != nil {
		s.logger.Error("rule reload rejected, keeping previous rules", zap.Error(err))
		return err
	}
	s.rules.Store(&rules)
	s.logger.Info("egress rules refreshed", zap.Int("count", len(rules)))
	return nil
}

// ParseRules разбирает файл правил: JSONC -> JSON, строгий декодер, нормализация.
func ParseRules(data []byte) ([]domain.EgressRule, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()

	var file domain.RuleFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	if err := NormalizeRules(file.Rules); err != nil {
		return nil, err
	}
	return file.Rules, nil
}

// NormalizeRules проверяет правила и приводит их к канонической форме на месте.
func NormalizeRules(rules []domain.EgressRule) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return fmt.Errorf("rule #%d: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true

		if len(r.Domains) == 0 {
			return fmt.Errorf("rule %q: at least one domain pattern is required", r.Name)
		}
		for j, p := range r.Domains {
			r.Domains[j] = NormalizeHost(p)
			if _, err := CompileHostPattern(r.Domains[j]); err != nil {
				return fmt.Errorf("rule %q: bad domain pattern %q: %w", r.Name, p, err)
			}
		}

		if len(r.Protocols) == 0 {
			r.Protocols = []string{"https"}
		}
		for j, p := range r.Protocols {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "http" && p != "https" {
				return fmt.Errorf("rule %q: unsupported protocol %q", r.Name, p)
			}
			r.Protocols[j] = p
		}

		if r.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rule %q: rate_limit.requests_per_minute must be positive", r.Name)
		}
		if r.RateLimit.Burst <= 0 {
			return fmt.Errorf("rule %q: rate_limit.burst must be positive", r.Name)
		}
	}
	return nil
}
