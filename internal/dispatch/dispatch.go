// Package dispatch turns a transition result into queued deliveries, log
// records and collaborator calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"chatbox/internal/domain"
	"chatbox/internal/fsm"
)

// Enqueuer is the outbox entry point.
type Enqueuer interface {
	Enqueue(ctx context.Context, conversationID, recipient string, payload domain.Payload, key string) (string, error)
}

// MessageLog appends conversation records.
type MessageLog interface {
	Append(ctx context.Context, msg domain.Message) error
}

// ContactWriter persists durable per-conversation fields.
type ContactWriter interface {
	PersistField(ctx context.Context, phone, field, value string) error
}

// Dispatcher is the boundary between the transition engine and the outbox.
type Dispatcher struct {
	outbox   Enqueuer
	log      MessageLog
	contacts ContactWriter
	// staff maps a role to the phone that receives its notifications.
	staff  map[string]string
	newKey func() string
}

func New(outbox Enqueuer, log MessageLog, contacts ContactWriter, staff map[string]string) (*Dispatcher, error) {
	if outbox == nil {
		return nil, errors.New("dispatch: outbox must not be nil")
	}
	if log == nil {
		return nil, errors.New("dispatch: message log must not be nil")
	}
	if contacts == nil {
		return nil, errors.New("dispatch: contact writer must not be nil")
	}
	roles := make(map[string]string, len(staff))
	for role, phone := range staff {
		if phone = strings.TrimSpace(phone); phone != "" {
			roles[strings.TrimSpace(role)] = phone
		}
	}
	return &Dispatcher{
		outbox:   outbox,
		log:      log,
		contacts: contacts,
		staff:    roles,
		newKey:   uuid.NewString,
	}, nil
}

// Dispatch enqueues replies in the order given, then runs effects. Only
// enqueue failures are returned; log and effect failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID string, res fsm.Result) error {
	var errs []error
	for i, r := range res.Replies {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		payload := r.Payload()
		id, err := d.outbox.Enqueue(ctx, conversationID, conversationID, payload, d.newKey())
		if err != nil {
			slog.Error("dispatch enqueue reply", "conversation", conversationID, "index", i, "err", err)
			errs = append(errs, err)
			continue
		}
		msg := domain.Message{
			ConversationID: conversationID,
			Direction:      domain.DirectionSystem,
			Kind:           string(payload.Kind),
			Text:           payload.Text,
			State:          string(res.NewState),
			OutboxID:       id,
		}
		if err := d.log.Append(ctx, msg); err != nil {
			slog.Error("dispatch log reply", "conversation", conversationID, "outbox_id", id, "err", err)
		}
	}

	for _, eff := range res.Effects {
		if err := d.apply(ctx, conversationID, eff); err != nil {
			slog.Error("dispatch effect failed", "conversation", conversationID, "effect", eff.Kind, "role", eff.Role, "field", eff.Field, "err", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("dispatch: %d of %d replies not queued: %w", len(errs), len(res.Replies), errors.Join(errs...))
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, conversationID string, eff fsm.Effect) error {
	switch eff.Kind {
	case fsm.EffectPersistField:
		return d.contacts.PersistField(ctx, conversationID, eff.Field, eff.Value)
	case fsm.EffectNotifyStaff:
		phone, ok := d.staff[eff.Role]
		if !ok {
			phone, ok = d.staff[fsm.RoleSupport]
		}
		if !ok {
			return fmt.Errorf("no staff phone for role %q", eff.Role)
		}
		_, err := d.outbox.Enqueue(ctx, conversationID, phone, domain.Payload{Kind: domain.PayloadText, Text: eff.Text}, d.newKey())
		return err
	}
	return fmt.Errorf("unknown effect %q", eff.Kind)
}
