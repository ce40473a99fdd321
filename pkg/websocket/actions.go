package websocket

// Action constants for WebSocket frames
const (
	// Health
	ActionHealthCheck = "health.check"

	// Client -> server commands
	ActionSelectSession     = "select_session"
	ActionTriggerAction     = "trigger_action"
	ActionToggleAutoCompact = "toggle_autocompact"
	ActionFocusTerminal     = "focus_terminal"
	ActionTileWindows       = "tile_windows"

	// Server -> client session notifications
	ActionInitialState   = "initial_state"
	ActionSessionUpdate  = "session_update"
	ActionSessionRemoved = "session_removed"
	ActionFocusChanged   = "focus_changed"

	// Server -> client diagnostic frames
	ActionServerLog = "server_log"
	ActionOperation = "operation"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
