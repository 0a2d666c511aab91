package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// UserActionRequest is a user's response to a pending prompt.
type UserActionRequest struct {
	UserID   string         `json:"user_id"`
	ThreadID string         `json:"thread_id"`
	ActionID string         `json:"action_id"`
	Choice   string         `json:"choice"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UserActionService turns validated user actions into whiteboard entries.
// The append is its only side-effect; everything downstream happens in the
// manager graph when the entry comes back around the tail.
type UserActionService struct {
	bus    wb.Appender
	logger *slog.Logger
}

// NewUserActionService creates the service over a whiteboard appender.
func NewUserActionService(bus wb.Appender) *UserActionService {
	return &UserActionService{
		bus:    bus,
		logger: slog.With("service", "user_action"),
	}
}

// Submit validates the request and appends one manager.user_action entry,
// returning the assigned whiteboard ID. A blank user ID falls back to the
// development default; thread, action, and choice are mandatory.
func (s *UserActionService) Submit(ctx context.Context, req UserActionRequest) (string, error) {
	if strings.TrimSpace(req.ThreadID) == "" {
		return "", NewValidationError("thread_id", "thread_id is required")
	}
	if strings.TrimSpace(req.ActionID) == "" {
		return "", NewValidationError("action_id", "action_id is required")
	}
	if strings.TrimSpace(req.Choice) == "" {
		return "", NewValidationError("choice", "choice is required")
	}
	userID := wb.NormalizeUser(req.UserID)

	values := map[string]any{
		"type":      events.TypeManagerUserAction,
		"action_id": req.ActionID,
		"choice":    req.Choice,
	}
	if len(req.Metadata) > 0 {
		values["metadata"] = req.Metadata
	}

	wbID, err := s.bus.Append(ctx, userID, req.ThreadID, values)
	if err != nil {
		return "", err
	}
	s.logger.Info("User action appended",
		"user_id", userID, "thread_id", req.ThreadID,
		"action_id", req.ActionID, "choice", req.Choice, "wb_id", wbID)
	return wbID, nil
}
