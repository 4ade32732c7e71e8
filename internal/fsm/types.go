package fsm

import (
	"context"

	"chatbox/internal/domain"
	"chatbox/internal/session"
)

// Result is the outcome of one transition.
type Result struct {
	NewState session.State
	Replies  []Reply
	Effects  []Effect
}

// Reply is one message to send back to the conversation, in order.
type Reply struct {
	Text    string
	Options []domain.Option
	// Verbatim replies (menus, amounts, summaries) must not be rephrased.
	Verbatim bool
}

// Payload converts the reply into a transport payload.
func (r Reply) Payload() domain.Payload {
	if len(r.Options) == 0 {
		return domain.Payload{Kind: domain.PayloadText, Text: r.Text}
	}
	return domain.Payload{Kind: domain.PayloadInteractive, Text: r.Text, Options: r.Options}
}

// EffectKind names a side effect requested by a transition.
type EffectKind string

const (
	// EffectPersistField writes Field=Value through to the durable contact record.
	EffectPersistField EffectKind = "persist_field"
	// EffectNotifyStaff alerts the staff member assigned to Role with Text.
	EffectNotifyStaff EffectKind = "notify_staff"
)

// Effect is a side-effect request carried out by the dispatcher after the
// transition. Effects never block replies.
type Effect struct {
	Kind  EffectKind
	Field string
	Value string
	Role  string
	Text  string
}

// Staff roles used by notify effects.
const (
	RoleDocuments = "documentacion"
	RoleInvoices  = "facturacion"
	RoleInquiries = "consultas"
	RoleSupport   = "atencion"
)

// BalanceResolver looks up what an identified client owes.
type BalanceResolver interface {
	ResolveBalance(ctx context.Context, cuit string) (domain.Account, bool, error)
}
