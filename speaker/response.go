package speaker

import (
	"github.com/google/uuid"

	"github.com/c360/ofsaga/model"
)

// ErrorCode classifies a failed command.
type ErrorCode string

// Error codes reported by the speaker, plus OPERATION_TIMED_OUT for locally synthesised timeouts.
const (
	ErrorSwitchUnavailable ErrorCode = "SWITCH_UNAVAILABLE"
	ErrorMissingOfFlows    ErrorCode = "MISSING_OF_FLOWS"
	ErrorUnsupported       ErrorCode = "UNSUPPORTED"
	ErrorBadCommand        ErrorCode = "BAD_COMMAND"
	ErrorBadFlags          ErrorCode = "BAD_FLAGS"
	ErrorUnknown           ErrorCode = "UNKNOWN"
	ErrorOperationTimedOut ErrorCode = "OPERATION_TIMED_OUT"
)

// Response is the outcome of one dispatched command, correlated by CommandID and
// routed by Key.
type Response struct {
	Key         string         `json:"key"`
	CommandID   uuid.UUID      `json:"command_id"`
	SwitchID    model.SwitchID `json:"switch_id"`
	Success     bool           `json:"success"`
	ErrorCode   ErrorCode      `json:"error_code,omitempty"`
	Description string         `json:"description,omitempty"`
}

// SuccessFor builds a success response for cmd.
func SuccessFor(key string, cmd Command) Response {
	return Response{Key: key, CommandID: cmd.ID, SwitchID: cmd.SwitchID, Success: true}
}

// FailureFor builds a failed response for cmd.
func FailureFor(key string, cmd Command, code ErrorCode, description string) Response {
	return Response{
		Key:         key,
		CommandID:   cmd.ID,
		SwitchID:    cmd.SwitchID,
		ErrorCode:   code,
		Description: description,
	}
}
