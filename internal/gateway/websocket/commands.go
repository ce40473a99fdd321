package websocket

import (
	"context"
	"errors"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
	ws "github.com/gregory-lime/jacques-context-manager-sub007/pkg/websocket"
)

// SessionCommander is the registry surface the command handlers drive.
type SessionCommander interface {
	SetFocused(ctx context.Context, id string) error
	SetAutoCompact(ctx context.Context, id string, enabled bool) error
	Get(id string) (*session.Session, bool)
}

// TerminalAdapter targets a host terminal for window management. The OS
// adapters live outside the core; a nil adapter reports every command as
// unsupported.
type TerminalAdapter interface {
	FocusTerminal(ctx context.Context, terminalKey string) error
	TileWindows(ctx context.Context) error
}

// ActionRunner executes a named session action (archive, handoff, ...).
type ActionRunner interface {
	Run(ctx context.Context, sessionID, action string) error
}

type selectSessionRequest struct {
	SessionID string `json:"session_id"`
}

type toggleAutoCompactRequest struct {
	SessionID string `json:"session_id"`
	Enabled   bool   `json:"enabled"`
}

type triggerActionRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

type focusTerminalRequest struct {
	SessionID string `json:"session_id"`
}

// RegisterCommandHandlers wires the client command actions onto the
// dispatcher. Handlers run on the client's read goroutine and never touch
// the fan-out path, so a slow command cannot block delta delivery.
func RegisterCommandHandlers(d *ws.Dispatcher, sessions SessionCommander, terminal TerminalAdapter, actions ActionRunner) {
	d.RegisterFunc(ws.ActionSelectSession, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req selectSessionRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if err := sessions.SetFocused(ctx, req.SessionID); err != nil {
			return commandError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success":    true,
			"session_id": req.SessionID,
		})
	})

	d.RegisterFunc(ws.ActionToggleAutoCompact, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req toggleAutoCompactRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if req.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}
		if err := sessions.SetAutoCompact(ctx, req.SessionID, req.Enabled); err != nil {
			return commandError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success":    true,
			"session_id": req.SessionID,
			"enabled":    req.Enabled,
		})
	})

	d.RegisterFunc(ws.ActionTriggerAction, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req triggerActionRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if req.SessionID == "" || req.Action == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id and action are required", nil)
		}
		if actions == nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no action runner configured", nil)
		}
		if err := actions.Run(ctx, req.SessionID, req.Action); err != nil {
			return commandError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success":    true,
			"session_id": req.SessionID,
			"action":     req.Action,
		})
	})

	d.RegisterFunc(ws.ActionFocusTerminal, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req focusTerminalRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		sess, ok := sessions.Get(req.SessionID)
		if !ok {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "unknown session "+req.SessionID, nil)
		}
		if terminal == nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no terminal adapter configured", nil)
		}
		if sess.TerminalKey == session.TerminalKeyUnknown {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session has no terminal identity", nil)
		}
		if err := terminal.FocusTerminal(ctx, sess.TerminalKey); err != nil {
			return commandError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success":      true,
			"terminal_key": sess.TerminalKey,
		})
	})

	d.RegisterFunc(ws.ActionTileWindows, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		if terminal == nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no terminal adapter configured", nil)
		}
		if err := terminal.TileWindows(ctx); err != nil {
			return commandError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
	})
}

func commandError(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	if errors.Is(err, registry.ErrSessionNotFound) {
		code = ws.ErrorCodeNotFound
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
}
