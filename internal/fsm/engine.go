// Package fsm decides, for every inbound event, where a conversation goes
// next and what it says back.
package fsm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatbox/internal/domain"
	"chatbox/internal/session"
)

const defaultAckCooldown = 12 * time.Second

// Config configures an Engine.
type Config struct {
	// Operators may use the reset command. Entries are conversation ids.
	Operators []string
	// AckCooldown is the minimum gap between acknowledgements in the same
	// collecting state.
	AckCooldown time.Duration
	Balances    BalanceResolver
}

// Engine computes transitions. It holds no per-conversation state; callers
// must hold the session exclusively for the duration of Transition.
type Engine struct {
	table       map[session.State]stateDef
	guards      []guard
	operators   map[string]struct{}
	ackCooldown time.Duration
	balances    BalanceResolver
	now         func() time.Time
}

// New returns an Engine with the standard state table and guard pipeline.
func New(cfg Config) (*Engine, error) {
	if cfg.Balances == nil {
		return nil, errors.New("fsm: balance resolver must not be nil")
	}
	if cfg.AckCooldown <= 0 {
		cfg.AckCooldown = defaultAckCooldown
	}
	ops := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		if op = strings.TrimSpace(op); op != "" {
			ops[op] = struct{}{}
		}
	}
	return &Engine{
		table:       stateTable(),
		guards:      defaultGuards(),
		operators:   ops,
		ackCooldown: cfg.AckCooldown,
		balances:    cfg.Balances,
		now:         time.Now,
	}, nil
}

// Initial is the state new sessions start in.
func (e *Engine) Initial() session.State { return StateInicio }

// RestoreIdentity records a durable client identity on a fresh session.
func (e *Engine) RestoreIdentity(sess *session.Session, cuit string) {
	sess.SetString(keyCUIT, cuit)
}

// turn carries one transition in progress.
type turn struct {
	ctx  context.Context
	sess *session.Session
	ev   domain.InboundEvent
	// raw is the cleaned user text; norm is the form used for matching.
	raw  string
	norm string
	res  Result
}

func (t *turn) say(text string) {
	t.res.Replies = append(t.res.Replies, Reply{Text: text})
}

func (t *turn) sayVerbatim(text string) {
	t.res.Replies = append(t.res.Replies, Reply{Text: text, Verbatim: true})
}

func (t *turn) reply(r Reply) {
	t.res.Replies = append(t.res.Replies, r)
}

func (t *turn) effect(eff Effect) {
	t.res.Effects = append(t.res.Effects, eff)
}

func (t *turn) notify(role, text string) {
	t.effect(Effect{Kind: EffectNotifyStaff, Role: role, Text: text})
}

// who describes the conversation for staff notifications.
func (t *turn) who() string {
	if cuit := t.sess.String(keyCUIT); cuit != "" {
		return t.sess.ID + " (CUIT " + cuit + ")"
	}
	return t.sess.ID
}

// Transition applies ev to sess, mutating sess in place.
func (e *Engine) Transition(ctx context.Context, sess *session.Session, ev domain.InboundEvent) Result {
	t := &turn{
		ctx:  ctx,
		sess: sess,
		ev:   ev,
		raw:  clean(ev.Text),
		norm: normalize(ev.Text),
	}
	from := sess.State
	e.step(t)
	t.res.NewState = sess.State
	slog.Debug("fsm transition",
		"conversation", sess.ID,
		"from", from,
		"to", sess.State,
		"kind", ev.Kind,
		"replies", len(t.res.Replies),
		"effects", len(t.res.Effects),
	)
	return t.res
}

func (e *Engine) step(t *turn) {
	def, ok := e.table[t.sess.State]
	if !ok {
		slog.Warn("fsm: unknown state, restarting conversation", "conversation", t.sess.ID, "state", t.sess.State)
		t.sess.State = StateInicio
		handleInicio(e, t)
		return
	}
	for _, g := range e.guards {
		if g.applies(e, t, def) {
			g.run(e, t)
			return
		}
	}
	if t.ev.Kind.IsAttachment() && def.media != nil {
		def.media(e, t)
		return
	}
	def.text(e, t)
}

// goTo moves the session and remembers menu states for attachment fallback.
func (e *Engine) goTo(t *turn, st session.State) {
	t.sess.State = st
	if e.table[st].menu {
		t.sess.SetString(keyLastMenu, string(st))
	}
}

// contextualMenu is the client menu for identified conversations, otherwise
// the last menu shown, otherwise the root menu.
func (e *Engine) contextualMenu(t *turn) session.State {
	if t.sess.String(keyCUIT) != "" {
		return StateMenuCliente
	}
	if last := session.State(t.sess.String(keyLastMenu)); e.table[last].menu {
		return last
	}
	return StateMenu
}

func menuFor(st session.State) menu {
	if st == StateMenuCliente {
		return clientMenu
	}
	return rootMenu
}

func (e *Engine) enterMenu(t *turn, st session.State) {
	e.goTo(t, st)
	t.reply(menuFor(st).reply())
}

// ack replies at most once per cooldown window for the current state.
func (e *Engine) ack(t *turn, text string) {
	now := e.now()
	st := t.sess.State
	if last, ok := t.sess.LastAck[st]; ok && now.Sub(last) < e.ackCooldown {
		return
	}
	t.sess.LastAck[st] = now
	t.say(text)
}

func (e *Engine) isOperator(id string) bool {
	_, ok := e.operators[id]
	return ok
}

func (e *Engine) replyBalance(t *turn) {
	cuit := t.sess.String(keyCUIT)
	acc, found, err := e.balances.ResolveBalance(t.ctx, cuit)
	if err != nil {
		slog.Error("fsm: resolve balance", "conversation", t.sess.ID, "cuit", cuit, "err", err)
		t.say(msgSomethingWrong)
		return
	}
	if !found || acc.Balance == "" || acc.Balance == "0" || acc.Balance == "0.00" {
		t.sayVerbatim(msgNoBalance)
		return
	}
	t.sayVerbatim(msgBalance(acc))
	t.say(msgBalanceTail)
}
