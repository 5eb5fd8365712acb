package protocol

import (
	"errors"
	"fmt"
)

// Error is a ledger failure with a stable machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	// Submit half
	ErrEntryNotFound    = &Error{Code: "entry_not_found", Message: "identity not found in any shard"}
	ErrShardsExhausted  = &Error{Code: "shards_exhausted", Message: "no shard has room for a new entry"}
	ErrShardOutOfOrder  = &Error{Code: "shard_out_of_order", Message: "shard index must equal the ledger's shard count"}
	ErrLedgerExists     = &Error{Code: "ledger_exists", Message: "ledger already exists for asset"}
	ErrLedgerNotFound   = &Error{Code: "ledger_not_found", Message: "no ledger for asset"}
	ErrShardNotFound    = &Error{Code: "shard_not_found", Message: "no shard at index"}
	ErrInvalidVault     = &Error{Code: "invalid_vault", Message: "vault does not match the ledger's vault"}
	ErrDuplicateRequest = &Error{Code: "duplicate_request", Message: "request id already submitted"}
	ErrInvalidRequest   = &Error{Code: "invalid_request", Message: "invalid request"}
	ErrRequestNotFound  = &Error{Code: "request_not_found", Message: "unknown request id"}

	// Apply half
	ErrInsufficientBalance     = &Error{Code: "insufficient_balance", Message: "insufficient balance"}
	ErrDuplicateCallback       = &Error{Code: "duplicate_callback", Message: "callback already applied for correlation id"}
	ErrUnauthenticatedCallback = &Error{Code: "unauthenticated_callback", Message: "callback not authenticated for correlation id"}
	ErrStaleSnapshot           = &Error{Code: "stale_snapshot", Message: "result computed against a superseded mapping"}
	ErrMalformedResult         = &Error{Code: "malformed_result", Message: "result does not fit the reserved layout"}
)

// Invalidf wraps ErrInvalidRequest with detail.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the first *Error in err's chain, or "internal".
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "internal"
}
