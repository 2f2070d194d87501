// Package process запускает shell-команды для execute_command:
// своя группа процессов, очищенное окружение, ограниченный вывод.
package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultMaxOutput — потолок stdout и stderr по отдельности
const DefaultMaxOutput = 1 << 20

// DefaultEnvAllow — переменные, которые доходят до подпроцесса. Креды шлюза
// (X_*, WAYGATE_*) сюда не попадают никогда.
var DefaultEnvAllow = []string{"PATH", "HOME", "LANG", "LC_ALL", "LC_CTYPE", "TERM", "TMPDIR", "TZ", "USER", "SHELL"}

type Spec struct {
	Command     string   // выполняется через sh -c
	Args        []string // если задан, запускается напрямую вместо Command
	Stdin       []byte
	Dir         string
	Env         []string      // nil — ScrubEnv(os.Environ(), DefaultEnvAllow)
	MaxOutput   int           // 0 — DefaultMaxOutput
	GracePeriod time.Duration // 0 — сразу SIGKILL группе
}

type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Run выполняет sh -c (или Args напрямую). Ненулевой код выхода — не ошибка, он в Result.ExitCode.
// Ошибка — запуск не удался или ctx отменен; в последнем случае вся группа убита.
func Run(ctx context.Context, spec Spec) (Result, error) {
	limit := spec.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	env := spec.Env
	if env == nil {
		env = ScrubEnv(os.Environ(), DefaultEnvAllow)
	}

	var cmd *exec.Cmd
	if len(spec.Args) > 0 {
		cmd = exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", spec.Command)
	}
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	cmd.Dir = spec.Dir
	cmd.Env = env
	stdout := &cappedBuffer{max: limit}
	stderr := &cappedBuffer{max: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// потомки, держащие пайпы, не должны подвешивать Wait
	cmd.WaitDelay = 2 * time.Second
	configure(cmd, spec.GracePeriod)

	err := cmd.Run()
	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	if err == nil {
		return res, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		res.ExitCode = exitError.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, err
}

// ScrubEnv оставляет только разрешенные переменные.
func ScrubEnv(environ []string, allow []string) []string {
	allowed := make(map[string]bool, len(allow))
	for _, k := range allow {
		allowed[k] = true
	}
	out := make([]string, 0, len(allow))
	for _, kv := range environ {
		k, _, ok := strings.Cut(kv, "=")
		if ok && allowed[k] {
			out = append(out, kv)
		}
	}
	return out
}

// cappedBuffer отбрасывает все сверх max, но не ломает пайп ошибкой записи
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.ToValidUTF8(string(b.buf), "�")
}
