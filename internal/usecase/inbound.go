package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatbox/internal/domain"
	"chatbox/internal/fsm"
	"chatbox/internal/session"
)

const (
	defaultHistoryLimit   = 6
	defaultRewriteTimeout = 4 * time.Second
)

type Deduper interface {
	CheckAndMark(eventID string) bool
}

type SessionStore interface {
	Acquire(ctx context.Context, id string) (*session.Session, bool, func(), error)
	Touch(sess *session.Session)
}

type Engine interface {
	Transition(ctx context.Context, sess *session.Session, ev domain.InboundEvent) fsm.Result
	RestoreIdentity(sess *session.Session, cuit string)
}

type ContactReader interface {
	GetContact(ctx context.Context, phone string) (domain.Contact, bool, error)
}

type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, conversationID string, res fsm.Result) error
}

// Rewriter rephrases a reply given recent conversation context.
type Rewriter interface {
	Rewrite(ctx context.Context, text string, history []domain.ChatMessage) (string, error)
}

// InboundConfig wires the inbound pipeline. Rewriter is optional.
type InboundConfig struct {
	Dedup          Deduper
	Sessions       SessionStore
	Engine         Engine
	Contacts       ContactReader
	Messages       MessageStore
	Dispatcher     Dispatcher
	Rewriter       Rewriter
	HistoryLimit   int
	RewriteTimeout time.Duration
}

// InboundService runs one channel event through dedup, the conversation
// engine and the dispatcher.
type InboundService struct {
	dedup          Deduper
	sessions       SessionStore
	engine         Engine
	contacts       ContactReader
	messages       MessageStore
	dispatcher     Dispatcher
	rewriter       Rewriter
	historyLimit   int
	rewriteTimeout time.Duration
}

type HandleOutput struct {
	Duplicate bool
	State     session.State
	Replies   int
}

func NewInboundService(cfg InboundConfig) (*InboundService, error) {
	if cfg.Dedup == nil {
		return nil, errors.New("usecase: dedup cache must not be nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if cfg.Engine == nil {
		return nil, errors.New("usecase: engine must not be nil")
	}
	if cfg.Contacts == nil {
		return nil, errors.New("usecase: contact reader must not be nil")
	}
	if cfg.Messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.RewriteTimeout <= 0 {
		cfg.RewriteTimeout = defaultRewriteTimeout
	}
	return &InboundService{
		dedup:          cfg.Dedup,
		sessions:       cfg.Sessions,
		engine:         cfg.Engine,
		contacts:       cfg.Contacts,
		messages:       cfg.Messages,
		dispatcher:     cfg.Dispatcher,
		rewriter:       cfg.Rewriter,
		historyLimit:   cfg.HistoryLimit,
		rewriteTimeout: cfg.RewriteTimeout,
	}, nil
}

// Handle processes ev. The event id is marked seen before anything else, so
// a redelivery that arrives while the first copy is still running is
// dropped too.
func (s *InboundService) Handle(ctx context.Context, ev domain.InboundEvent) (HandleOutput, error) {
	ev.EventID = strings.TrimSpace(ev.EventID)
	ev.ConversationID = strings.TrimSpace(ev.ConversationID)
	if ev.EventID == "" {
		return HandleOutput{}, newError(ErrorInvalidInput, "missing_event_id", nil)
	}
	if ev.ConversationID == "" {
		return HandleOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if ev.Kind == "" {
		ev.Kind = domain.KindText
	}
	log := slog.With("conversation", ev.ConversationID, "event_id", ev.EventID, "correlation_id", ev.CorrelationID)

	if s.dedup.CheckAndMark(ev.EventID) {
		log.Info("duplicate inbound event dropped")
		return HandleOutput{Duplicate: true}, nil
	}

	sess, created, release, err := s.sessions.Acquire(ctx, ev.ConversationID)
	if err != nil {
		return HandleOutput{}, newError(ErrorInternal, "session_acquire_error", err)
	}
	defer release()

	if created {
		s.hydrate(ctx, sess)
	}

	inbound := domain.Message{
		ConversationID: ev.ConversationID,
		Direction:      domain.DirectionInbound,
		Kind:           string(ev.Kind),
		Text:           inboundText(ev),
		State:          string(sess.State),
	}
	if err := s.messages.Append(ctx, inbound); err != nil {
		log.Error("persist inbound message", "err", err)
	}

	from := sess.State
	res := s.engine.Transition(ctx, sess, ev)
	s.sessions.Touch(sess)
	log.Info("conversation transition", "from", from, "to", res.NewState, "replies", len(res.Replies), "effects", len(res.Effects))

	if s.rewriter != nil {
		s.rewrite(ctx, ev.ConversationID, res.Replies)
	}

	out := HandleOutput{State: res.NewState, Replies: len(res.Replies)}
	if err := s.dispatcher.Dispatch(ctx, ev.ConversationID, res); err != nil {
		return out, newError(ErrorInternal, "dispatch_error", err)
	}
	return out, nil
}

// hydrate restores the durable identity of a conversation whose session was
// just created, e.g. after idle eviction or a cold start.
func (s *InboundService) hydrate(ctx context.Context, sess *session.Session) {
	contact, found, err := s.contacts.GetContact(ctx, sess.ID)
	if err != nil {
		slog.Error("load contact", "conversation", sess.ID, "err", err)
		return
	}
	if found && contact.CUIT != "" {
		s.engine.RestoreIdentity(sess, contact.CUIT)
		slog.Debug("session identity restored", "conversation", sess.ID)
	}
}

// rewrite rephrases plain replies in place. Verbatim replies and replies
// carrying options are never touched; any failure keeps the original.
func (s *InboundService) rewrite(ctx context.Context, conversationID string, replies []fsm.Reply) {
	var history []domain.ChatMessage
	loaded := false
	for i := range replies {
		r := &replies[i]
		if r.Verbatim || len(r.Options) > 0 || strings.TrimSpace(r.Text) == "" {
			continue
		}
		if !loaded {
			history = s.chatHistory(ctx, conversationID)
			loaded = true
		}
		rctx, cancel := context.WithTimeout(ctx, s.rewriteTimeout)
		text, err := s.rewriter.Rewrite(rctx, r.Text, history)
		cancel()
		if err != nil {
			slog.Warn("reply rewrite failed, keeping original", "conversation", conversationID, "err", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			r.Text = text
		}
	}
}

func (s *InboundService) chatHistory(ctx context.Context, conversationID string) []domain.ChatMessage {
	msgs, err := s.messages.GetHistory(ctx, conversationID, s.historyLimit)
	if err != nil {
		slog.Warn("load history for rewrite", "conversation", conversationID, "err", err)
		return nil
	}
	return domain.Transcript(msgs)
}

func inboundText(ev domain.InboundEvent) string {
	if ev.Kind.IsAttachment() && ev.MediaID != "" {
		if ev.Text == "" {
			return string(ev.Kind) + ":" + ev.MediaID
		}
		return string(ev.Kind) + ":" + ev.MediaID + " " + ev.Text
	}
	return ev.Text
}
