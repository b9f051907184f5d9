package settlement

// Results are what an operation commits to the idempotency guard. A replayed
// request gets the stored result back verbatim, so every field a response
// needs has to be in here.

// VerifyResult reports whether a user could afford a prospective charge.
// Verify never writes, so it carries no transaction id.
type VerifyResult struct {
	Eligible      bool  `json:"eligible"`
	BalanceMicros int64 `json:"balance_micros"`
}

// PreauthorizeResult is the outcome of a hold placement. An ineligible
// request is a negative answer, not an error: Eligible is false, no hold
// exists and nothing was recorded, so a retry after a top-up starts fresh.
type PreauthorizeResult struct {
	Eligible            bool   `json:"eligible"`
	TransactionID       string `json:"transaction_id,omitempty"`
	BalanceBeforeMicros int64  `json:"balance_before_micros"`
	BalanceAfterMicros  int64  `json:"balance_after_micros"`
	SpendType           string `json:"spend_type,omitempty"`
	ModelTitle          string `json:"model_title,omitempty"`
}

// ReleaseResult is the committed outcome of a hold release.
type ReleaseResult struct {
	BalanceBeforeMicros int64 `json:"balance_before_micros"`
	BalanceAfterMicros  int64 `json:"balance_after_micros"`
}

// CollectResult is the committed outcome of a capture. TransactionID is the
// ledger movement id minted for the debit.
type CollectResult struct {
	TransactionID       string `json:"transaction_id"`
	BalanceBeforeMicros int64  `json:"balance_before_micros"`
	BalanceAfterMicros  int64  `json:"balance_after_micros"`
	SpendType           string `json:"spend_type"`
	ModelTitle          string `json:"model_title"`
}
