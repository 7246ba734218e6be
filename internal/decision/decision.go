// Package decision implements the confirmation-state decision engine: given
// a subscriber's current membership state at the email service provider and
// the double-opt-in requirements of the newsletters being requested, it
// decides whether an update applies immediately, needs a confirmation
// round-trip, or hits an already-confirmed subscriber.
package decision

// MembershipState is the subscriber's point-in-time state at the ESP. It is
// derived from which remote lists the subscriber appears in and is never
// cached beyond a single decision.
type MembershipState int

const (
	// Absent means the ESP does not know this subscriber at all.
	Absent MembershipState = iota
	// Pending means the subscriber sits in the opt-in holding list,
	// waiting to confirm.
	Pending
	// ConfirmedNotMaster means the subscriber confirmed but the batch
	// promotion to the master list has not run yet.
	ConfirmedNotMaster
	// Master means the subscriber is fully active.
	Master
)

func (s MembershipState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case ConfirmedNotMaster:
		return "confirmed_not_master"
	case Master:
		return "master"
	}
	return "unknown"
}

// Verdict is the terminal outcome of a decision.
type Verdict int

const (
	AlreadyConfirmed Verdict = iota + 1
	ExemptPending
	ExemptNew
	MustConfirmPending
	MustConfirmNew
)

func (v Verdict) String() string {
	switch v {
	case AlreadyConfirmed:
		return "already_confirmed"
	case ExemptPending:
		return "exempt_pending"
	case ExemptNew:
		return "exempt_new"
	case MustConfirmPending:
		return "must_confirm_pending"
	case MustConfirmNew:
		return "must_confirm_new"
	}
	return "unknown"
}

// MustConfirm reports whether the verdict defers the update behind a
// confirmation message.
func (v Verdict) MustConfirm() bool {
	return v == MustConfirmPending || v == MustConfirmNew
}

// Input is everything the engine looks at. Locale is deliberately not here:
// it selects the message variant downstream, never the verdict.
type Input struct {
	State MembershipState
	// ExplicitOptIn is set when the caller already collected consent
	// (e.g. a checkbox), bypassing double opt-in.
	ExplicitOptIn bool
	// RequiresConfirmation is the OR over the requested newsletters'
	// double-opt-in flags. A mixed set forces confirmation.
	RequiresConfirmation bool
}

// Decide evaluates the decision table in priority order.
func Decide(in Input) Verdict {
	if in.State == ConfirmedNotMaster || in.State == Master {
		return AlreadyConfirmed
	}
	exempt := in.ExplicitOptIn || !in.RequiresConfirmation
	if in.State == Pending {
		if exempt {
			return ExemptPending
		}
		return MustConfirmPending
	}
	if exempt {
		return ExemptNew
	}
	return MustConfirmNew
}
