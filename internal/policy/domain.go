package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/xela07ax/waygate/internal/domain"
)

// Кэш скомпилированных шаблонов хостов: шаблонов немного, запросов много
var hostGlobs sync.Map // pattern -> glob.Glob

// CompileHostPattern компилирует hostname glob с разделителем '.':
// "*" совпадает внутри одной метки, "**" — через несколько, "{a,b}" — альтернатива.
func CompileHostPattern(pattern string) (glob.Glob, error) {
	if err := checkHostPattern(pattern); err != nil {
		return nil, err
	}
	p := NormalizeHost(pattern)
	if g, ok := hostGlobs.Load(p); ok {
		return g.(glob.Glob), nil
	}
	g, err := glob.Compile(p, '.')
	if err != nil {
		return nil, err
	}
	hostGlobs.Store(p, g)
	return g, nil
}

// checkHostPattern пропускает только символы имени хоста и glob-синтаксис.
// Квадратные скобки допустимы лишь парой вокруг IPv6-литерала.
func checkHostPattern(pattern string) error {
	raw := strings.ToLower(strings.TrimSpace(pattern))
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		raw = raw[1 : len(raw)-1]
	}
	if raw == "" {
		return fmt.Errorf("empty host pattern")
	}
	depth := 0
	for _, c := range raw {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '_', c == ':', c == '*', c == '?', c == ',':
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("host pattern %q: unbalanced braces", pattern)
			}
		default:
			return fmt.Errorf("host pattern %q: unexpected character %q", pattern, c)
		}
	}
	if depth != 0 {
		return fmt.Errorf("host pattern %q: unbalanced braces", pattern)
	}
	return nil
}

// MatchHost — совпадает ли хост с шаблоном. Некорректный шаблон не совпадает ни с чем.
func MatchHost(pattern, host string) bool {
	g, err := CompileHostPattern(pattern)
	if err != nil {
		return false
	}
	return g.Match(NormalizeHost(host))
}

// NormalizeHost: нижний регистр, без завершающей точки и IPv6-скобок.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return h
}

// MatchDomain возвращает первое включенное правило, чей шаблон совпал с хостом.
// false означает NoMatch, вызывающий трактует это как запрет (default-deny).
func (v *Validator) MatchDomain(rules []domain.EgressRule, host string) (domain.EgressRule, bool) {
	return MatchRule(rules, host)
}

// MatchRule — то же без валидатора, для CLI `rules check`.
func MatchRule(rules []domain.EgressRule, host string) (domain.EgressRule, bool) {
	if NormalizeHost(host) == "" {
		return domain.EgressRule{}, false
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		for _, p := range r.Domains {
			if MatchHost(p, host) {
				return r, true
			}
		}
	}
	return domain.EgressRule{}, false
}
