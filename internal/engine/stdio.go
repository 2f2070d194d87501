package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

// maxStdioLine — потолок одной строки запроса
const maxStdioLine = 20 << 20

// stdioInit — первая строка сессии: клиент узнает сервер и список action
type stdioInit struct {
	Type            string          `json:"type"`
	Server          string          `json:"server"`
	Version         string          `json:"version"`
	ProtocolVersion string          `json:"protocol_version"`
	Capabilities    stdioCapability `json:"capabilities"`
}

type stdioCapability struct {
	Stdio bool     `json:"stdio"`
	Tools []string `json:"tools"`
}

// stdioPong — ответ на {"type":"ping"}, в аудит не пишется
type stdioPong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// Actions — список action для приветствия; Router отдает его, если resolver умеет
func (r *Router) Actions() []string {
	c, ok := r.resolver.(interface{ Actions() []domain.ActionSpec })
	if !ok {
		return nil
	}
	specs := c.Actions()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

// ServeStdio читает команды как NDJSON (одна команда на строку) и пишет ответы
// в том же порядке. Первой строкой уходит приветствие с версией протокола,
// {"type":"ping"} получает pong без обращения к Router.
// Возвращается на EOF или отмене ctx.
func ServeStdio(ctx context.Context, r *Router, in io.Reader, out io.Writer, logger *zap.Logger) error {
	logger = logger.Named("stdio")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStdioLine)
	enc := json.NewEncoder(out)

	sessionID := uuid.NewString()
	logger.Info("stdio session started", zap.String("session", sessionID))

	tools := r.Actions()
	if tools == nil {
		tools = []string{}
	}
	if err := enc.Encode(stdioInit{
		Type:            "initialization",
		Server:          "waygate",
		Version:         Version,
		ProtocolVersion: ProtocolVersion,
		Capabilities:    stdioCapability{Stdio: true, Tools: tools},
	}); err != nil {
		return fmt.Errorf("write initialization: %w", err)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var kind struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(line, &kind) == nil && kind.Type == "ping" {
			if err := enc.Encode(stdioPong{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			continue
		}

		var resp domain.CommandResponse
		var req domain.CommandRequest
		if err := json.Unmarshal(line, &req); err != nil {
			resp = domain.CommandResponse{
				Status:    domain.StatusFailed,
				Error:     "invalid request: " + err.Error(),
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}
		} else {
			reqCtx := domain.WithTraceID(ctx, sessionID+"/"+uuid.NewString()[:8])
			resp = r.ExecuteRequest(reqCtx, req)
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	logger.Info("stdio session finished", zap.String("session", sessionID))
	return nil
}
