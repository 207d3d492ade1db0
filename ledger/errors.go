package ledger

import (
	"errors"
)

// Sentinel errors for the coin ledger. Handlers map these onto HTTP
// responses; everything else is treated as an internal error.
var (
	// ErrInsufficientFunds means available coins (balance - reserved)
	// are below the requested amount. Surfaced before any provider call
	// is made; the user can recharge and retry.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrAlreadyUnlocked means the (user, episode) grant already
	// exists. Success-equivalent: the user has access, nothing was
	// charged twice.
	ErrAlreadyUnlocked = errors.New("ledger: episode already unlocked")

	// ErrAlreadyTerminal means the job is done or otherwise not
	// eligible for the attempted transition.
	ErrAlreadyTerminal = errors.New("ledger: job already terminal")

	// ErrInvalidTransition means the requested status change is not in
	// the allowed transition table.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")

	// ErrDuplicateTransaction means a coin movement with the same
	// reference was already recorded (duplicate webhook or callback).
	ErrDuplicateTransaction = errors.New("ledger: duplicate transaction reference")

	ErrJobNotFound     = errors.New("ledger: job not found")
	ErrEpisodeNotFound = errors.New("ledger: episode not found")
)

// IsIdempotentReplay reports whether the error is an idempotency guard
// firing on a repeated call. Callers treat these as success.
func IsIdempotentReplay(err error) bool {
	return errors.Is(err, ErrAlreadyUnlocked) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrDuplicateTransaction)
}
