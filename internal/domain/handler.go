package domain

import "context"

// HandlerSource — откуда пришел обработчик
type HandlerSource string

const (
	SourceBuiltin HandlerSource = "builtin"
	SourcePlugin  HandlerSource = "plugin"
)

// HandlerStatus — состояние дескриптора в реестре
type HandlerStatus string

const (
	HandlerActive   HandlerStatus = "active"
	HandlerInactive HandlerStatus = "inactive"
	HandlerError    HandlerStatus = "error" // инициализация упала, в Resolve не участвует
)

// Handler — контракт исполнителя. Один обработчик может обслуживать несколько action.
// Реализация обязана уважать отмену ctx.
type Handler interface {
	Handle(ctx context.Context, action string, params map[string]any) (any, error)
}

// HandlerFunc позволяет использовать функцию как Handler.
type HandlerFunc func(ctx context.Context, action string, params map[string]any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, action string, params map[string]any) (any, error) {
	return f(ctx, action, params)
}

// HandlerDescriptor — зарегистрированная реализация инструмента.
type HandlerDescriptor struct {
	Name         string        `json:"name"`
	Capabilities []string      `json:"capabilities"`
	Source       HandlerSource `json:"source"`
	Status       HandlerStatus `json:"status"`
	Version      string        `json:"version,omitempty"`
	Description  string        `json:"description,omitempty"`
	Error        string        `json:"error,omitempty"`

	// Actions — описание параметров и guard-правил по каждому action.
	// Action без описания исполняется без проверок валидатора.
	Actions []ActionSpec `json:"actions,omitempty"`
}

// ActionSpec — каталожная запись action.
type ActionSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Params      map[string]string `json:"params,omitempty" yaml:"params"` // имя -> описание
	Guard       Guard             `json:"guard" yaml:"guard"`
}

// Guard говорит валидатору, какие параметры что содержат.
type Guard struct {
	Paths   []string `json:"paths,omitempty" yaml:"paths"`     // пути файловой системы
	Command string   `json:"command,omitempty" yaml:"command"` // shell-команда
	Content []string `json:"content,omitempty" yaml:"content"` // строки, ограниченные потолком размера
	Sizes   []string `json:"sizes,omitempty" yaml:"sizes"`     // числа (байты), ограниченные потолком
}

// IsZero — guard без единого правила.
func (g Guard) IsZero() bool {
	return len(g.Paths) == 0 && g.Command == "" && len(g.Content) == 0 && len(g.Sizes) == 0
}
