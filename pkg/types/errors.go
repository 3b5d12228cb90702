package types

import "errors"

// Sentinel error kinds. Components wrap these with context via fmt.Errorf and
// callers classify with errors.Is; Code translates a chain into the
// machine-readable string surfaced over HTTP and on the event bus.
var (
	// Ingress and replay guard.
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("stale timestamp")
	ErrReplayedSignal   = errors.New("replayed signal")
	ErrRateLimited      = errors.New("rate limited")

	// L2 validation verdicts.
	ErrNoMarketData      = errors.New("no market data")
	ErrWideSpread        = errors.New("spread too wide")
	ErrInsufficientDepth = errors.New("insufficient depth")
	ErrOBIAdverse        = errors.New("order book imbalance adverse")
	ErrWeakStructure     = errors.New("structure score below threshold")

	// Phase gating.
	ErrSignalTypeNotAllowed = errors.New("signal type not allowed in current phase")

	// Execution outcomes.
	ErrMissedEntry  = errors.New("missed entry")
	ErrFillTimeout  = errors.New("fill timeout")
	ErrAlphaExpired = errors.New("alpha expired")
	ErrOBIWorsening = errors.New("order book imbalance worsening")

	// Broker gateway.
	ErrBrokerRejected  = errors.New("broker rejected request")
	ErrBrokerTransient = errors.New("transient broker failure")
	ErrNotSupported    = errors.New("capability not supported by adapter")

	// Reconciliation and persistence.
	ErrReconciliationDivergence = errors.New("reconciliation divergence")
	ErrPersistenceUnavailable   = errors.New("persistence unavailable")
	ErrPhantomLocalPosition     = errors.New("phantom local position")
	ErrUnknownBrokerPosition    = errors.New("unknown broker position")
)

// codes maps every sentinel to its wire code. Order matters only for
// readability; lookup walks the slice with errors.Is so wrapped chains match.
var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidSignature, "INVALID_SIGNATURE"},
	{ErrStaleTimestamp, "STALE_TIMESTAMP"},
	{ErrReplayedSignal, "REPLAYED_SIGNAL"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrNoMarketData, "NO_MARKET_DATA"},
	{ErrWideSpread, "WIDE_SPREAD"},
	{ErrInsufficientDepth, "INSUFFICIENT_DEPTH"},
	{ErrOBIAdverse, "OBI_ADVERSE"},
	{ErrWeakStructure, "WEAK_STRUCTURE"},
	{ErrSignalTypeNotAllowed, "SIGNAL_TYPE_NOT_ALLOWED"},
	{ErrMissedEntry, "MISSED_ENTRY"},
	{ErrFillTimeout, "FILL_TIMEOUT"},
	{ErrAlphaExpired, "ALPHA_EXPIRED"},
	{ErrOBIWorsening, "OBI_WORSENING"},
	{ErrBrokerRejected, "BROKER_REJECTED"},
	{ErrBrokerTransient, "BROKER_TRANSIENT"},
	{ErrNotSupported, "NOT_SUPPORTED"},
	{ErrReconciliationDivergence, "RECONCILIATION_DIVERGENCE"},
	{ErrPersistenceUnavailable, "PERSISTENCE_UNAVAILABLE"},
	{ErrPhantomLocalPosition, "PHANTOM_LOCAL_POSITION"},
	{ErrUnknownBrokerPosition, "UNKNOWN_BROKER_POSITION"},
}

// Code returns the machine-readable code for an error chain, or "INTERNAL"
// when the error matches no known kind. A nil error yields the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// Reason strings used in ExecutionResult for outcomes that are results rather
// than errors.
const (
	ReasonPriceRanAway = "Price ran away"
	ReasonNoPriceData  = "NO_PRICE_DATA"
	ReasonAlphaExpired = "ALPHA_EXPIRED"
	ReasonOBIWorsening = "OBI_WORSENING"
	ReasonFillTimeout  = "FILL_TIMEOUT"
	ReasonAborted      = "ABORTED"
	ReasonRegimeKill   = "REGIME_KILL"
)
