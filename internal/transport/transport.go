// Package transport opens the one-shot streaming chat request against the
// support backend and exposes its response as a readable byte stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// TurnRequest is the request body for one chat turn. Nil pointer fields
// serialize as JSON null, which the backend expects on a first turn.
type TurnRequest struct {
	Content        string  `json:"content"`
	ConversationID *string `json:"conversation_id"`
	Collection     *string `json:"collection"`
}

// Stream is an open response stream for one turn. ConversationID carries the
// server-assigned identifier delivered out-of-band; it may be empty on
// follow-up turns.
type Stream struct {
	Body           io.ReadCloser
	ConversationID string
}

// Transport issues the turn request. Implementations must honor ctx
// cancellation by unblocking in-flight body reads.
type Transport interface {
	Open(ctx context.Context, req TurnRequest) (*Stream, error)
}

// StatusError reports a non-success HTTP response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Body)
}

// Config controls transport construction.
type Config struct {
	Mode       string
	BackendURL string
}

func New(cfg Config) (Transport, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.BackendURL) != "" {
			return NewHTTPTransport(cfg.BackendURL), nil
		}
		return NewMockTransport(), nil
	case "http":
		if strings.TrimSpace(cfg.BackendURL) == "" {
			return nil, errors.New("backend url is required for http transport")
		}
		return NewHTTPTransport(cfg.BackendURL), nil
	case "mock":
		return NewMockTransport(), nil
	default:
		return nil, fmt.Errorf("unsupported transport mode %q", cfg.Mode)
	}
}
