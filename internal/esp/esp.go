// Package esp talks to the email service provider: the remote store of
// subscriber records that this gateway treats as the single source of
// truth, plus the trigger API for sending welcome, confirmation and SMS
// messages.
package esp

import (
	"context"

	"github.com/subgate/subgate/internal/decision"
)

// UserSnapshot is a point-in-time view of a subscriber at the ESP. It is
// authoritative input for a single decision and never cached beyond one.
type UserSnapshot struct {
	Email       string
	Token       string
	Format      string // "H" or "T"
	Country     string
	Lang        string
	CreatedDate string
	Newsletters []string // slugs derived from vendor subscription flags

	Pending   bool // in the opt-in holding list, not confirmed
	Confirmed bool // confirmed (or excepted from confirmation)
	Master    bool // in the master subscriber list
}

// MembershipState maps the snapshot onto the decision engine's states.
func (u *UserSnapshot) MembershipState() decision.MembershipState {
	switch {
	case u == nil:
		return decision.Absent
	case u.Master:
		return decision.Master
	case u.Confirmed:
		return decision.ConfirmedNotMaster
	case u.Pending:
		return decision.Pending
	}
	return decision.Absent
}

// FieldMapper maps backend vendor fields onto newsletter slugs; the
// newsletter registry implements it.
type FieldMapper interface {
	FieldMap(ctx context.Context) (map[string]string, error)
}

// Client is the full collaborator contract the orchestrator consumes.
type Client interface {
	UserReader
	RecordWriter
	MessageSender
}

// UserReader fetches the membership snapshot for a subscriber. Returns
// (nil, nil) when the ESP does not know the subscriber, an error carrying
// the network-failure code on transient trouble.
type UserReader interface {
	GetUserData(ctx context.Context, token, email string) (*UserSnapshot, error)
}

// RecordWriter upserts a record into a named ESP list. The ESP's
// upsert-by-key semantics make repeated identical writes idempotent.
type RecordWriter interface {
	ApplyUpdates(ctx context.Context, list string, rec *Record) error
}

// MessageSender schedules triggered message delivery.
type MessageSender interface {
	SendMessage(ctx context.Context, messageID, email, token, format string) error
	SendSMS(ctx context.Context, vendorMessageID, mobile string) error
}
