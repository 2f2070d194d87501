package tools

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/process"
)

// executeCommand запускает уже проверенную команду в своей группе процессов.
// Таймаут параметра действует внутри таймаута команды Router'а.
func (t *Tools) executeCommand(ctx context.Context, params map[string]any) (any, error) {
	command, err := stringParam(params, "command", true)
	if err != nil {
		return nil, err
	}
	cwd, err := stringParam(params, "cwd", false)
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		cwd = t.defaultRoot()
	}
	secs, err := intParam(params, "timeout", int64(domain.DefaultCommandTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	if secs <= 0 {
		secs = int64(domain.DefaultCommandTimeout / time.Second)
	}
	timeout := time.Duration(secs) * time.Second

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.logger.Info("executing command", zap.String("command", command), zap.String("cwd", cwd))
	res, err := process.Run(runCtx, process.Spec{Command: command, Dir: cwd, MaxOutput: t.maxOutput})
	if err != nil {
		// отмена сверху — таймаут Router'а, он сам оформит результат
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewError(domain.KindTimeout, "command timed out after %s", timeout)
		}
		return nil, err
	}

	return map[string]any{
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"return_code": res.ExitCode,
		"command":     command,
		"truncated":   res.Truncated,
	}, nil
}
