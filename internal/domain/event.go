package domain

// MarketEvent is one typed update flowing from the ingestion collaborators
// into the engine's bounded inbox. Exactly one field is non-nil.
type MarketEvent struct {
	Snapshot *BookSnapshot
	Delta    *BookDelta
	Trade    *TradeRecord
}

// TokenID returns the token the event refers to.
func (ev MarketEvent) TokenID() string {
	switch {
	case ev.Snapshot != nil:
		return ev.Snapshot.TokenID
	case ev.Delta != nil:
		return ev.Delta.TokenID
	case ev.Trade != nil:
		return ev.Trade.TokenID
	}
	return ""
}
