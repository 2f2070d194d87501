package domain

import (
	"time"
)

// Границы таймаута команды
const (
	DefaultCommandTimeout = 30 * time.Second
	MinCommandTimeout     = 1 * time.Second
	MaxCommandTimeout     = 300 * time.Second
)

// CommandStatus — итоговый статус исполнения команды
type CommandStatus string

const (
	StatusSuccess CommandStatus = "success"
	StatusFailed  CommandStatus = "failed"
	StatusTimeout CommandStatus = "timeout"
)

// Command — запрос на вызов именованного инструмента.
// Неизменяем после создания, Router потребляет его ровно один раз.
type Command struct {
	Action  string
	Params  map[string]any
	Context map[string]any // непрозрачные метаданные вызывающей стороны
	Timeout time.Duration  // 0 — значение по умолчанию
}

// EffectiveTimeout возвращает таймаут, зажатый в [MinCommandTimeout, MaxCommandTimeout].
func (c Command) EffectiveTimeout() time.Duration {
	switch {
	case c.Timeout <= 0:
		return DefaultCommandTimeout
	case c.Timeout < MinCommandTimeout:
		return MinCommandTimeout
	case c.Timeout > MaxCommandTimeout:
		return MaxCommandTimeout
	}
	return c.Timeout
}

// CommandResult — результат исполнения, возвращается вызывающему и зеркалится в аудит.
type CommandResult struct {
	Status    CommandStatus
	Result    any
	Error     string
	ErrorKind ErrorKind
	Duration  time.Duration
	CommandID string
	Timestamp time.Time
}

// CommandRequest — JSON-представление команды (HTTP, stdio, gRPC).
type CommandRequest struct {
	Action  string         `json:"action"`
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
	Timeout int            `json:"timeout,omitempty"` // секунды
}

// ToCommand превращает транспортный запрос в доменную команду.
func (r CommandRequest) ToCommand() Command {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	return Command{
		Action:  r.Action,
		Params:  params,
		Context: r.Context,
		Timeout: time.Duration(r.Timeout) * time.Second,
	}
}

// CommandResponse — JSON-представление результата.
type CommandResponse struct {
	Status     CommandStatus `json:"status"`
	Result     any           `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	CommandID  string        `json:"command_id"`
	Timestamp  string        `json:"timestamp"`
}

func NewCommandResponse(res CommandResult) CommandResponse {
	return CommandResponse{
		Status:     res.Status,
		Result:     res.Result,
		Error:      res.Error,
		DurationMs: res.Duration.Milliseconds(),
		CommandID:  res.CommandID,
		Timestamp:  res.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
