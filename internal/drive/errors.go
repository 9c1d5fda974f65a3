package drive

import "errors"

// Sentinel errors for the core error taxonomy (spec §7). Matched with
// errors.Is by callers; each carries a fixed, human-readable recovery
// hint surfaced alongside it rather than encoded as an error code.
var (
	// ErrOnCooldown is returned by satisfy when now < cooldown_until.
	ErrOnCooldown = errors.New("drive: on cooldown")

	// ErrUnknownDrive is returned when an operation names a drive not
	// present in the current config/runtime state.
	ErrUnknownDrive = errors.New("drive: unknown drive")

	// ErrInvalidDepth is returned for a satisfaction depth outside the
	// recognized {light, moderate, deep, full} set.
	ErrInvalidDepth = errors.New("drive: invalid satisfaction depth")

	// ErrTimeWentBackwards is returned by Tick when now precedes the
	// drive's last observed tick time. The engine refuses to advance
	// pressure but preserves existing state.
	ErrTimeWentBackwards = errors.New("drive: time went backwards")

	// ErrLedgerAppendFailed signals a failed append to events.jsonl.
	ErrLedgerAppendFailed = errors.New("drive: ledger append failed")

	// ErrStateRewriteFailed signals a failed runtime-state.json rewrite.
	ErrStateRewriteFailed = errors.New("drive: runtime state rewrite failed")
)

// RecoveryHint returns a human-readable suggestion for a known sentinel
// error, or a generic message for anything else.
func RecoveryHint(err error) string {
	switch {
	case errors.Is(err, ErrOnCooldown):
		return "wait until cooldown_until or choose a different drive"
	case errors.Is(err, ErrUnknownDrive):
		return "check the drive name against config.json's drives map"
	case errors.Is(err, ErrInvalidDepth):
		return "use one of: light, moderate, deep, full, or omit depth for auto-scaling"
	case errors.Is(err, ErrTimeWentBackwards):
		return "verify the host clock; no pressure was lost"
	case errors.Is(err, ErrLedgerAppendFailed):
		return "check disk space and events.jsonl permissions; the operation will be retried"
	case errors.Is(err, ErrStateRewriteFailed):
		return "runtime-state.json will be reconciled from the ledger on next startup"
	default:
		return "see wrapped error for details"
	}
}
