package claim

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/ledger"
	fpmath "WardProtocol/internal/math"
	"WardProtocol/internal/state"
	"time"
)

// Rejection reasons, one per failing checkpoint.
const (
	ReasonNotDefaulted        = "not defaulted"
	ReasonInvalidTransaction  = "invalid transaction"
	ReasonNoLoss              = "no loss"
	ReasonInactivePolicy      = "inactive policy"
	ReasonOutsideWindow       = "outside coverage window"
	ReasonVaultMismatch       = "vault mismatch"
	ReasonInsufficientCapital = "insufficient pool capital"
	ReasonRatioBreach         = "would breach coverage ratio"
)

// Input is everything the checkpoints read. All of it is fetched before
// evaluation starts; checkpoints never perform I/O.
type Input struct {
	Event  event.DefaultEvent
	Loan   ledger.LoanRecord
	Tx     ledger.Transaction
	Broker ledger.BrokerRecord
	Policy state.Policy
	Pool   state.Pool
	Now    time.Time

	// OtherClaimInFlight is set when a different default already holds a
	// live claim against the policy.
	OtherClaimInFlight bool

	MinRatioBps int64

	// Payout is filled by the payout checkpoint.
	Payout int64
}

// Checkpoint is one named step of claim validation. Check returns false to
// reject with Reason.
type Checkpoint struct {
	Name   string
	Reason string
	Kind   state.RejectionKind
	Check  func(in *Input) bool
}

// PolicyChecked requires an active policy with no claim from another
// default holding its coverage. It runs again under the pool lock.
var PolicyChecked = Checkpoint{
	Name:   "policy-checked",
	Reason: ReasonInactivePolicy,
	Kind:   state.RejectionStructural,
	Check: func(in *Input) bool {
		return in.Policy.Status == state.PolicyStatusActive && !in.OtherClaimInFlight
	},
}

// Structural checkpoints run against ledger and policy state. A failure is
// terminal for the (policy, default) pair.
var Structural = []Checkpoint{
	{
		Name:   "defaulted-checked",
		Reason: ReasonNotDefaulted,
		Kind:   state.RejectionStructural,
		Check:  func(in *Input) bool { return in.Loan.IsDefaulted() },
	},
	{
		Name:   "transaction-checked",
		Reason: ReasonInvalidTransaction,
		Kind:   state.RejectionStructural,
		Check: func(in *Input) bool {
			return in.Tx.Succeeded() && in.Tx.IsLoanDefault() && in.Tx.Hash == in.Event.TxHash &&
				(in.Tx.LoanID == "" || in.Tx.LoanID == in.Event.LoanID)
		},
	},
	{
		Name:   "loss-computed",
		Reason: ReasonNoLoss,
		Kind:   state.RejectionStructural,
		Check:  func(in *Input) bool { return in.Event.VaultLoss > 0 },
	},
	PolicyChecked,
	{
		Name:   "window-checked",
		Reason: ReasonOutsideWindow,
		Kind:   state.RejectionStructural,
		Check:  func(in *Input) bool { return in.Policy.InWindow(in.Now) },
	},
	{
		Name:   "vault-matched",
		Reason: ReasonVaultMismatch,
		Kind:   state.RejectionStructural,
		Check: func(in *Input) bool {
			return in.Broker.VaultID != "" && in.Broker.VaultID == in.Policy.VaultID
		},
	},
	{
		Name: "payout-computed",
		Check: func(in *Input) bool {
			in.Payout = fpmath.Min64(in.Event.VaultLoss, in.Policy.CoverageAmount)
			return true
		},
	},
}

// Capacity checkpoints run against the pool while its lock is held. A
// failure may be re-evaluated once pool state changes.
var Capacity = []Checkpoint{
	{
		Name:   "pool-checked",
		Reason: ReasonInsufficientCapital,
		Kind:   state.RejectionCapacity,
		Check:  func(in *Input) bool { return in.Pool.CanCover(in.Payout) },
	},
	{
		Name:   "ratio-checked",
		Reason: ReasonRatioBreach,
		Kind:   state.RejectionCapacity,
		Check: func(in *Input) bool {
			return in.Pool.SolventAfter(in.Payout, in.Policy.CoverageAmount, in.MinRatioBps)
		},
	},
}

// Run evaluates checkpoints in order and returns the first that fails, or
// nil when all pass.
func Run(in *Input, checkpoints []Checkpoint) *Checkpoint {
	for i := range checkpoints {
		if !checkpoints[i].Check(in) {
			return &checkpoints[i]
		}
	}
	return nil
}
