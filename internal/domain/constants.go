package domain

// Movement reason codes. A Movement is created exactly once per committed
// economic event and never mutated, so the reason set is closed.
const (
	ReasonWithdrawal = "withdrawal"
	ReasonRefund     = "refund"
)

// Hold lifecycle states: open -> captured | released (terminal).
const (
	HoldStateOpen     = "open"
	HoldStateCaptured = "captured"
	HoldStateReleased = "released"
)

// Settlement operation types used to scope idempotency keys.
const (
	OpPreauthorize = "preauthorize"
	OpRelease      = "release"
	OpCollect      = "collect"
)

// Spend types observed in partner traffic. give_gold is the only one with
// special funding rules; everything else is informational.
const (
	SpendTypeGiveGold = "give_gold"
	SpendTypeUnknown  = "unknown"
)
