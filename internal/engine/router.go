package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/audit"
	"github.com/xela07ax/waygate/internal/domain"
)

// Resolver — Plugin Registry со стороны Router'а
type Resolver interface {
	Resolve(action string) (domain.Handler, domain.ActionSpec, error)
}

// Checker — Security Validator: применяет guard action к параметрам
type Checker interface {
	Check(ctx context.Context, guard domain.Guard, params map[string]any) (map[string]any, error)
}

// Router — Command Router. Единая точка входа для HTTP, gRPC и stdio.
type Router struct {
	resolver Resolver
	checker  Checker
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewRouter(resolver Resolver, checker Checker, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *Router {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Router{
		resolver: resolver,
		checker:  checker,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("router"),
		now:      time.Now,
	}
}

type handlerOutcome struct {
	result any
	err    error
}

// Execute разрешает action, проверяет параметры, исполняет обработчик под таймаутом
// и пишет ровно одну запись аудита. Никогда не паникует и не висит дольше таймаута команды.
func (r *Router) Execute(ctx context.Context, cmd domain.Command) (res domain.CommandResult) {
	start := r.now()
	res.CommandID = uuid.NewString()
	decision := audit.DecisionAllowed

	defer func() {
		res.Duration = r.now().Sub(start)
		res.Timestamp = r.now()
		r.record(ctx, cmd, res, decision)
		r.metrics.ObserveCommand(cmd.Action, res)
	}()

	// 1. Resolve
	handler, spec, err := r.resolver.Resolve(cmd.Action)
	if err != nil {
		fail(&res, domain.StatusFailed, err)
		decision = audit.DecisionError
		return res
	}

	// 2. Валидатор. Нарушение — обработчик не вызывается вовсе.
	params, err := r.checker.Check(ctx, spec.Guard, cmd.Params)
	if err != nil {
		fail(&res, domain.StatusFailed, err)
		decision = audit.DecisionDenied
		if domain.KindOf(err) != domain.KindPolicyViolation {
			decision = audit.DecisionError
		}
		return res
	}

	// 3. Исполнение под таймаутом
	timeout := cmd.EffectiveTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1) // буфер: опоздавший обработчик не блокируется
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("handler panic recovered",
					zap.String("action", cmd.Action),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()))
				done <- handlerOutcome{err: domain.NewError(domain.KindHandlerFailure, "handler panic: %v", p)}
			}
		}()
		out, err := handler.Handle(runCtx, cmd.Action, params)
		done <- handlerOutcome{result: out, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			res.Status = domain.StatusSuccess
			res.Result = out.result
			return res
		}
		switch {
		case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded),
			domain.KindOf(out.err) == domain.KindTimeout:
			fail(&res, domain.StatusTimeout, timeoutError(timeout, out.err))
		default:
			fail(&res, domain.StatusFailed, out.err)
		}
	case <-runCtx.Done():
		// частичный результат отбрасывается, обработчик получил отмену
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			fail(&res, domain.StatusTimeout, timeoutError(timeout, nil))
		} else {
			fail(&res, domain.StatusFailed, domain.WrapError(domain.KindHandlerFailure, runCtx.Err(), "command cancelled"))
		}
	}

	switch res.ErrorKind {
	case domain.KindPolicyViolation:
		decision = audit.DecisionDenied
	default:
		decision = audit.DecisionError
	}
	return res
}

func fail(res *domain.CommandResult, status domain.CommandStatus, err error) {
	res.Status = status
	res.Error = err.Error()
	res.ErrorKind = domain.KindOf(err)
}

func timeoutError(timeout time.Duration, cause error) error {
	var de *domain.Error
	if errors.As(cause, &de) && de.Kind == domain.KindTimeout {
		return de
	}
	return domain.NewError(domain.KindTimeout, "command exceeded %s", timeout)
}

func (r *Router) record(ctx context.Context, cmd domain.Command, res domain.CommandResult, decision audit.Decision) {
	detail := map[string]any{
		"status":     string(res.Status),
		"timeout_ms": cmd.EffectiveTimeout().Milliseconds(),
	}
	if res.Error != "" {
		detail["error"] = res.Error
	}
	if len(cmd.Context) > 0 {
		detail["context"] = cmd.Context
	}
	r.auditor.Log(audit.Record{
		Timestamp:  res.Timestamp,
		Kind:       audit.KindCommand,
		Subject:    cmd.Action,
		Decision:   decision,
		Reason:     string(res.ErrorKind),
		DurationMs: res.Duration.Milliseconds(),
		TraceID:    domain.TraceIDFromContext(ctx),
		RequestID:  res.CommandID,
		Detail:     detail,
	})

	fields := []zap.Field{
		zap.String("command_id", res.CommandID),
		zap.String("action", cmd.Action),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration),
	}
	if res.Error != "" {
		r.logger.Warn("command failed", append(fields, zap.String("error", res.Error))...)
		return
	}
	r.logger.Debug("command executed", fields...)
}

// ExecuteRequest — обертка для транспортов, принимающих JSON
func (r *Router) ExecuteRequest(ctx context.Context, req domain.CommandRequest) domain.CommandResponse {
	return domain.NewCommandResponse(r.Execute(ctx, req.ToCommand()))
}
