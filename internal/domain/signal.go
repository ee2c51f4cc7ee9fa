package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalKind identifies the strategy family that produced a signal.
type SignalKind string

const (
	SignalKindMispricing    SignalKind = "mispricing"
	SignalKindArbitrage     SignalKind = "arbitrage"
	SignalKindParity        SignalKind = "parity"
	SignalKindRelativeValue SignalKind = "relative_value"
)

// Rationale is the typed justification attached to a signal, one concrete
// struct per strategy family. Cross-cutting annotations go in
// TradeSignal.Metadata instead of loosely-typed fields here.
type Rationale interface {
	Kind() SignalKind
}

// MispricingRationale explains a fair-value divergence signal.
type MispricingRationale struct {
	FairPrice   decimal.Decimal
	MarketPrice decimal.Decimal
	EdgeBps     decimal.Decimal
}

func (MispricingRationale) Kind() SignalKind { return SignalKindMispricing }

// ArbitrageRationale explains a two-leg arbitrage signal.
type ArbitrageRationale struct {
	CounterTokenID string
	CombinedPrice  decimal.Decimal
	NetEdgeBps     decimal.Decimal
}

func (ArbitrageRationale) Kind() SignalKind { return SignalKindArbitrage }

// ParityRationale explains a YES/NO parity deviation signal.
type ParityRationale struct {
	YesPrice  decimal.Decimal
	NoPrice   decimal.Decimal
	Deviation decimal.Decimal
}

func (ParityRationale) Kind() SignalKind { return SignalKindParity }

// RelativeValueRationale explains a cross-market relative-value signal.
type RelativeValueRationale struct {
	ReferenceMarketID string
	ReferencePrice    decimal.Decimal
	ZScore            decimal.Decimal
}

func (RelativeValueRationale) Kind() SignalKind { return SignalKindRelativeValue }

// TradeSignal is a candidate trade produced by the external strategy layer.
// The engine gates it, sizes it, and (if accepted) turns it into an
// OrderIntent for the simulator.
type TradeSignal struct {
	ID        string
	Source    string
	MarketID  string
	TokenID   string
	Side      OrderSide
	Price     decimal.Decimal
	Size      decimal.Decimal
	Type      OrderType
	Rationale Rationale
	Metadata  map[string]string
	CreatedAt time.Time

	// Optional sizing inputs. Kelly needs all three Win/Loss fields;
	// StopLossDistance selects fixed-fractional; when none are set the
	// default balance-ceiling policy applies.
	WinProbability   *decimal.Decimal
	WinAmount        *decimal.Decimal
	LossAmount       *decimal.Decimal
	StopLossDistance *decimal.Decimal

	// Cancel requests withdrawal of the order placed under ID instead of
	// placing a new one. Cancels bypass the risk gate.
	Cancel bool
}

// GateDecision is the pure output of a risk-gate evaluation. Reasons lists
// every reason the signal was blocked, in check order; it is empty when the
// signal passed.
type GateDecision struct {
	Gated   bool
	Reasons []string
}

// Allowed is the decision for a signal that passed every check.
func Allowed() GateDecision {
	return GateDecision{}
}

// Blocked builds a gated decision with the given reasons.
func Blocked(reasons ...string) GateDecision {
	return GateDecision{Gated: true, Reasons: reasons}
}
