// Package errors provides standardized error handling for the orchestration services.
//
// # Error classes
//
// Infrastructure errors carry a class that drives retry decisions:
//
//   - Transient: connection loss, timeouts, KV revision conflicts (retry with backoff)
//   - Invalid: malformed input, duplicate entities (do not retry)
//   - Fatal: command graph defects such as ErrCyclicDependency or ErrDuplicateCommandID
//
// # Error wrapping
//
// All wrapping follows one format so logs stay greppable:
//
//	"component.method: action failed: %w"
//
//	errors.WrapTransient(err, "natsclient", "Publish", "publish command")
//	errors.WrapInvalid(err, "persistence", "Create", "create flow")
//	errors.WrapFatal(err, "dispatch", "Start", "plan waves")
//
// # Processing errors
//
// Saga steps report request-facing failures with a ProcessingError whose
// ErrorType (NOT_FOUND, DATA_INVALID, REQUEST_INVALID, NOT_PERMITTED) is
// forwarded to the requester in the completion notification:
//
//	if yflow.Status == model.StatusInProgress {
//	    return errors.RequestInvalid("Y-flow %s is in progress now", id)
//	}
//
// TypeOf and ReasonOf extract the type and message from any error chain;
// errors without a ProcessingError map to ErrorTypeInternal.
package errors
