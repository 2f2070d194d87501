package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xela07ax/waygate/internal/domain"
)

// DefaultDenyPatterns — эвристический deny-list опасных shell-конструкций.
// Не полная грамматика: это первый фильтр, а не песочница.
var DefaultDenyPatterns = []string{
	`\brm\s+(-\S+\s+)*-[a-zA-Z]*([rR][a-zA-Z]*f|f[a-zA-Z]*[rR])`,                 // rm -rf / rm -fr / rm -Rf
	`\brm\s+(-\S+\s+)*-[a-zA-Z]*[rR][a-zA-Z]*\s+(-\S+\s+)*(/|~|\*|\$HOME)(\s|$)`, // рекурсивно от корня
	`\brm\b.*--no-preserve-root`,
	`\bsudo\b`,
	`\bchmod\s+(-\S+\s+)*0?777\b`,
	`\bmkfs(\.[a-z0-9]+)?\b`,
	`\bdd\s+.*\bif=`,
	`\b(curl|wget|nc|ncat|netcat)\b`, // сеть только через egress шлюза
	`>\s*/dev/(sd|hd|vd|xvd|nvme|mmcblk|mem|kmem|port)`,
	`\|\s*(sudo\s+)?(ba|z|k|da|c|tc)?sh\b`, // pipe-to-shell
	`:\(\)\s*\{`,                           // fork bomb
	`\bformat\s+[a-zA-Z]:`,
}

// DefaultCommandPolicy — Rego-политика поверх разобранных сегментов команды.
const DefaultCommandPolicy = `
package waygate.command

default decision = "allow"

blocked_binaries = {
	"shutdown", "reboot", "halt", "poweroff", "init",
	"fdisk", "parted", "wipefs", "mount", "umount",
	"iptables", "ip6tables", "nft",
	"useradd", "userdel", "usermod", "passwd", "chpasswd", "crontab",
	"systemctl", "service", "insmod", "rmmod", "modprobe",
	"su", "sudo", "doas"
}

network_binaries = {"curl", "wget", "nc", "ncat", "netcat", "socat", "telnet", "ssh", "scp", "sftp", "ftp"}

decision = "block" {
	some i
	b := input.segments[i].binary
	blocked_binaries[b]
}

decision = "block" {
	some i
	b := input.segments[i].binary
	network_binaries[b]
}
`

// CommandGuard — deny-list плюс OPA.
type CommandGuard struct {
	deny  []*regexp.Regexp
	query rego.PreparedEvalQuery
}

func NewCommandGuard(ctx context.Context, extra []string, policySrc string) (*CommandGuard, error) {
	deny, err := compilePatterns(append(append([]string(nil), DefaultDenyPatterns...), extra...))
	if err != nil {
		return nil, fmt.Errorf("security: invalid command deny pattern: %w", err)
	}
	if strings.TrimSpace(policySrc) == "" {
		policySrc = DefaultCommandPolicy
	}

	r := rego.New(
		rego.Query("data.waygate.command.decision"),
		rego.Module("command_policy.rego", policySrc),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("security: failed to prepare command policy: %w", err)
	}
	return &CommandGuard{deny: deny, query: query}, nil
}

// Check возвращает PolicyViolation, если команда запрещена.
func (g *CommandGuard) Check(ctx context.Context, command string) error {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return domain.PolicyViolation("empty command")
	}
	if strings.IndexByte(cmd, 0) >= 0 {
		return domain.PolicyViolation("command contains a null byte")
	}

	for _, re := range g.deny {
		if re.MatchString(cmd) {
			return domain.PolicyViolation("command matches deny pattern %q", re.String())
		}
	}

	segments := splitSegments(cmd)
	input := map[string]any{
		"command":  cmd,
		"segments": segments,
	}
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		// fail closed
		return domain.WrapError(domain.KindPolicyViolation, err, "command policy evaluation failed")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	if decision, ok := results[0].Expressions[0].Value.(string); ok && decision != "allow" {
		return domain.PolicyViolation("command blocked by policy (%s)", decision)
	}
	return nil
}

var segmentSep = regexp.MustCompile("&&|\\|\\||[;|&\\n(){}`]|\\$\\(")

// splitSegments грубо режет команду на простые вызовы и находит бинарь каждого.
func splitSegments(cmd string) []any {
	var out []any
	for _, part := range segmentSep.Split(cmd, -1) {
		fields := strings.Fields(part)
		i := 0
		// Пропускаем присваивания окружения: FOO=1 BAR=2 cmd
		for i < len(fields) && isAssignment(fields[i]) {
			i++
		}
		// и обертки, которые запускают следующий аргумент
		for i < len(fields) && (fields[i] == "env" || fields[i] == "exec" || fields[i] == "nohup" || fields[i] == "command") {
			i++
			for i < len(fields) && isAssignment(fields[i]) {
				i++
			}
		}
		if i >= len(fields) {
			continue
		}
		args := make([]any, 0, len(fields)-i-1)
		for _, a := range fields[i+1:] {
			args = append(args, a)
		}
		out = append(out, map[string]any{
			"binary": filepath.Base(strings.Trim(fields[i], `"'`)),
			"args":   args,
		})
	}
	return out
}

func isAssignment(s string) bool {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return false
	}
	for i, c := range s[:eq] {
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		// Похоже на regex — компилируем как есть, иначе литеральная подстрока
		var (
			re  *regexp.Regexp
			err error
		)
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	return strings.ContainsAny(s, `()[]{}|^$.*+?\`)
}
