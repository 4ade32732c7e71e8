package fsm

// guard is a cross-cutting check evaluated before the state handler. The
// first guard that applies handles the event.
type guard struct {
	name    string
	applies func(e *Engine, t *turn, def stateDef) bool
	run     func(e *Engine, t *turn)
}

func defaultGuards() []guard {
	return []guard{
		{name: "operator-reset", applies: resetApplies, run: runReset},
		{name: "payment-intent", applies: paymentApplies, run: runPayment},
		{name: "handoff-request", applies: handoffApplies, run: runHandoff},
		{name: "unexpected-attachment", applies: attachmentApplies, run: runAttachmentFallback},
	}
}

func resetApplies(e *Engine, t *turn, _ stateDef) bool {
	return !t.ev.Kind.IsAttachment() && t.norm == "/reset" && e.isOperator(t.sess.ID)
}

func runReset(_ *Engine, t *turn) {
	t.sess.Reset(StateInicio, bookkeepingPrefix)
	t.sayVerbatim(msgResetDone)
}

func paymentApplies(_ *Engine, t *turn, def stateDef) bool {
	return def.paymentGuard && !t.ev.Kind.IsAttachment() && isPaymentIntent(t.norm)
}

func runPayment(e *Engine, t *turn) {
	if t.sess.String(keyCUIT) != "" {
		e.goTo(t, StateMenuCliente)
		e.replyBalance(t)
		return
	}
	t.sess.SetBool(keyPendingPayment, true)
	startIdentification(e, t)
}

func handoffApplies(_ *Engine, t *turn, def stateDef) bool {
	return def.handoffGuard && !t.ev.Kind.IsAttachment() && isHandoffIntent(t.norm)
}

func runHandoff(e *Engine, t *turn) {
	ret := t.sess.State
	if !e.table[ret].menu {
		ret = e.contextualMenu(t)
	}
	e.handoff(t, ret)
}

func attachmentApplies(_ *Engine, t *turn, def stateDef) bool {
	return t.ev.Kind.IsAttachment() && !def.expectsMedia
}

func runAttachmentFallback(e *Engine, t *turn) {
	target := e.contextualMenu(t)
	t.say(msgNoAttachments)
	e.enterMenu(t, target)
}
