package models

// IntentStatus is the lifecycle state of an intent
type IntentStatus string

const (
	IntentStatusNew          IntentStatus = "new"
	IntentStatusBroadcasting IntentStatus = "broadcasting"
	IntentStatusBidding      IntentStatus = "bidding"
	IntentStatusFilled       IntentStatus = "filled"
	IntentStatusExpired      IntentStatus = "expired"
	IntentStatusFailed       IntentStatus = "failed"
	IntentStatusCancelled    IntentStatus = "cancelled"
)

// intentEdges is the only place allowed intent transitions are defined.
var intentEdges = map[IntentStatus][]IntentStatus{
	IntentStatusNew: {
		IntentStatusBroadcasting,
		IntentStatusExpired,
		IntentStatusFailed,
	},
	IntentStatusBroadcasting: {
		IntentStatusBidding,
		IntentStatusExpired,
		IntentStatusFailed,
		IntentStatusCancelled,
	},
	IntentStatusBidding: {
		IntentStatusFilled,
		IntentStatusExpired,
		IntentStatusFailed,
		IntentStatusCancelled,
	},
}

// AllIntentStatuses lists every status, in lifecycle order
var AllIntentStatuses = []IntentStatus{
	IntentStatusNew,
	IntentStatusBroadcasting,
	IntentStatusBidding,
	IntentStatusFilled,
	IntentStatusExpired,
	IntentStatusFailed,
	IntentStatusCancelled,
}

// OpenIntentStatuses are the non-terminal statuses
var OpenIntentStatuses = []IntentStatus{
	IntentStatusNew,
	IntentStatusBroadcasting,
	IntentStatusBidding,
}

// TerminalIntentStatuses are the statuses no transition leaves
var TerminalIntentStatuses = []IntentStatus{
	IntentStatusFilled,
	IntentStatusExpired,
	IntentStatusFailed,
	IntentStatusCancelled,
}

// Valid reports whether s is a known status
func (s IntentStatus) Valid() bool {
	for _, known := range AllIntentStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition can leave s
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusFilled, IntentStatusExpired, IntentStatusFailed, IntentStatusCancelled:
		return true
	}
	return false
}

// AcceptsBids reports whether bids can be scored while in s
func (s IntentStatus) AcceptsBids() bool {
	return s == IntentStatusBroadcasting || s == IntentStatusBidding
}

// CanTransitionTo reports whether s -> target is an allowed edge
func (s IntentStatus) CanTransitionTo(target IntentStatus) bool {
	for _, next := range intentEdges[s] {
		if next == target {
			return true
		}
	}
	return false
}

// BidStatus is the admission/selection state of a bid
type BidStatus string

const (
	BidStatusPending  BidStatus = "pending"
	BidStatusAccepted BidStatus = "accepted"
	BidStatusRejected BidStatus = "rejected"
	BidStatusInvalid  BidStatus = "invalid"
	BidStatusWon      BidStatus = "won"
	BidStatusLost     BidStatus = "lost"
	BidStatusExpired  BidStatus = "expired"
)

var bidEdges = map[BidStatus][]BidStatus{
	BidStatusPending:  {BidStatusAccepted, BidStatusRejected, BidStatusInvalid},
	BidStatusAccepted: {BidStatusWon, BidStatusLost, BidStatusExpired, BidStatusInvalid},
}

// CanTransitionTo reports whether s -> target is an allowed bid edge
func (s BidStatus) CanTransitionTo(target BidStatus) bool {
	for _, next := range bidEdges[s] {
		if next == target {
			return true
		}
	}
	return false
}
