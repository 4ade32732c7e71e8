package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatbox/internal/domain"
)

// AbandonedReason is recorded on entries requeued after a stale claim.
const AbandonedReason = "attempt abandoned while sending"

// Outbox is the enqueue side of the delivery pipeline.
type Outbox struct {
	store Store
	now   func() time.Time
	newID func() string
}

func New(store Store) (*Outbox, error) {
	if store == nil {
		return nil, errors.New("outbox: store must not be nil")
	}
	return &Outbox{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Enqueue records a pending delivery and returns its id. When key is set and
// an entry with that id is already pending, sending or sent, the existing id
// is returned and nothing is created.
func (o *Outbox) Enqueue(ctx context.Context, conversationID, recipient string, payload domain.Payload, key string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", errors.New("outbox: recipient must not be empty")
	}
	if strings.TrimSpace(payload.Text) == "" {
		return "", errors.New("outbox: payload text must not be empty")
	}
	if payload.Kind == "" {
		payload.Kind = domain.PayloadText
	}
	id := strings.TrimSpace(key)
	if id == "" {
		id = o.newID()
	}

	err := o.store.Create(ctx, domain.OutboxEntry{
		ID:             id,
		ConversationID: conversationID,
		Recipient:      recipient,
		Payload:        payload,
		Status:         domain.OutboxPending,
		CreatedAt:      o.now().UTC(),
	})
	if errors.Is(err, ErrDuplicate) {
		slog.Debug("outbox enqueue deduplicated", "id", id, "conversation", conversationID)
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	slog.Info("outbox enqueued", "id", id, "conversation", conversationID, "kind", payload.Kind)
	return id, nil
}
