package types

import "errors"

// Error kind sentinels recognized by the core, per the error-handling design. Components wrap
// these with fmt.Errorf("...: %w", ErrX) so callers can classify with errors.Is.
var (
	// ErrTransientExchange marks a retryable exchange failure: connection reset, 5xx, rate limit.
	ErrTransientExchange = errors.New("transient exchange error")

	// ErrPermanentExchange marks a non-retryable exchange failure: invalid symbol, rejected
	// order, permission denied, malformed response.
	ErrPermanentExchange = errors.New("permanent exchange error")

	// ErrContractViolation marks an internal invariant failure. These indicate bugs and must
	// propagate to the orchestrator as a fail-fast ERROR transition, never be masked.
	ErrContractViolation = errors.New("contract violation")

	// ErrInsufficientResources marks a recoverable rejection: depth guard, risk rejection,
	// concurrent-position limit. The triggering signal is dropped with a reason; engine continues.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrDataQuality marks a data-quality condition: stale snapshot, OHLCV gap, out-of-order
	// trade. Counters are incremented; downstream consumers observe a staleness flag.
	ErrDataQuality = errors.New("data quality")

	// ErrKillSwitch marks an armed kill switch: daily loss or drawdown limit reached.
	ErrKillSwitch = errors.New("kill switch engaged")

	// ErrNotSubscribed is returned by the trades aggregator when queried for a symbol that was
	// never subscribed.
	ErrNotSubscribed = errors.New("symbol not subscribed")
)

// ContractError is a structured wrapper around ErrContractViolation carrying the offending
// field/invariant name, so the orchestrator's ERROR-phase reason is actionable.
type ContractError struct {
	Invariant string
	Detail    string
}

func (e *ContractError) Error() string {
	if e.Detail == "" {
		return "contract violation: " + e.Invariant
	}
	return "contract violation: " + e.Invariant + ": " + e.Detail
}

func (e *ContractError) Unwrap() error { return ErrContractViolation }

// NewContractError constructs a ContractError.
func NewContractError(invariant, detail string) *ContractError {
	return &ContractError{Invariant: invariant, Detail: detail}
}
