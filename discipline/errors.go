/*
errors.go - Centralized error types for the discipline engine

ERROR CATEGORIES:
  1. Configuration errors - malformed or overlapping rule-version ranges.
     Fatal: detected eagerly before any date math, no partial results.
  2. Validation errors - admin operations violating the tomorrow-only
     scheduling policy, or referencing a missing/duplicate rule key.
  3. Concurrency errors - a second writer finalized the open streak first.
     Retryable: the caller should reload and re-invoke.

USAGE:
  if discipline.IsValidation(err) { ... } // 400 at the API edge
  if errors.Is(err, discipline.ErrConcurrency) { ... } // 409, reload
*/
package discipline

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is the class of rule-catalog failures. An undetected
	// overlap would make historical resolution ambiguous, so the catalog is
	// validated as a hard gate before every computation.
	ErrConfiguration = errors.New("rule configuration error")

	// ErrValidation is the class of rejected admin operations.
	ErrValidation = errors.New("validation error")

	// ErrConcurrency is returned when a conditional streak update finds the
	// record already advanced by another writer.
	ErrConcurrency = errors.New("streak already finalized by another writer")

	// ErrRuleNotFound is returned when a referenced rule key has no versions.
	ErrRuleNotFound = errors.New("rule key not found")

	// ErrStreakNotFound is returned when no OPEN streak exists where one is
	// required.
	ErrStreakNotFound = errors.New("open streak not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ConfigurationError describes an invalid rule-version layout.
type ConfigurationError struct {
	Key    RuleKey
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule configuration error for %q: %s", e.Key, e.Detail)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ValidationError describes a rejected admin operation.
type ValidationError struct {
	Op     string
	Key    RuleKey
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Key, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConcurrencyError describes a detected race on the open streak.
type ConcurrencyError struct {
	StreakID StreakID
	Expected Date
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("streak %s: processed_through no longer %s, reload and retry", e.StreakID, e.Expected)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsConcurrency(err error) bool   { return errors.Is(err, ErrConcurrency) }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) || errors.Is(err, ErrStreakNotFound)
}

// IsRetryable returns true if the call might succeed when re-invoked.
// ProcessUpTo is idempotent, so a concurrency loser can simply call again.
func IsRetryable(err error) bool { return errors.Is(err, ErrConcurrency) }
