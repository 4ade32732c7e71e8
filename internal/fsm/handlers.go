package fsm

import (
	"chatbox/internal/session"
)

func handleInicio(e *Engine, t *turn) {
	if t.sess.String(keyCUIT) != "" {
		t.say(msgWelcomeBack)
		e.enterMenu(t, StateMenuCliente)
		return
	}
	t.say(msgWelcome)
	e.enterMenu(t, StateMenu)
}

func handleMenu(e *Engine, t *turn) {
	switch rootMenu.match(t.norm) {
	case "1":
		if t.sess.String(keyCUIT) != "" {
			e.enterMenu(t, StateMenuCliente)
			return
		}
		startIdentification(e, t)
	case "2":
		e.goTo(t, StateConsulta)
		t.say(msgInquiryPrompt)
	case "3":
		e.handoff(t, StateMenu)
	default:
		t.say(msgNotUnderstood)
		t.reply(rootMenu.reply())
	}
}

func startIdentification(e *Engine, t *turn) {
	e.goTo(t, StateIdentificacion)
	t.say(msgAskCUIT)
}

func handleIdentificacion(e *Engine, t *turn) {
	if isCancel(t.norm) {
		t.sess.SetBool(keyPendingPayment, false)
		e.enterMenu(t, StateMenu)
		return
	}
	cuit := digitsOnly(t.raw)
	if !validCUIT(cuit) {
		t.say(msgInvalidCUIT)
		return
	}
	t.sess.SetString(keyCUIT, cuit)
	t.effect(Effect{Kind: EffectPersistField, Field: keyCUIT, Value: cuit})
	t.say(msgIdentified)

	if t.sess.Bool(keyPendingPayment) {
		t.sess.SetBool(keyPendingPayment, false)
		e.goTo(t, StateMenuCliente)
		e.replyBalance(t)
		return
	}
	e.enterMenu(t, StateMenuCliente)
}

func handleMenuCliente(e *Engine, t *turn) {
	switch clientMenu.match(t.norm) {
	case "1":
		e.goTo(t, StateDocumentacion)
		t.say(msgDocsPrompt)
	case "2":
		e.goTo(t, StateFacturaDatos)
		t.say(msgInvoicePrompt)
	case "3":
		e.replyBalance(t)
	case "4":
		e.handoff(t, StateMenuCliente)
	case "5":
		e.enterMenu(t, StateMenu)
	default:
		t.say(msgNotUnderstood)
		t.reply(clientMenu.reply())
	}
}

// handoff moves the conversation to a human and remembers where to return.
func (e *Engine) handoff(t *turn, returnTo session.State) {
	t.sess.SetString(keyReturnTo, string(returnTo))
	e.goTo(t, StateDerivado)
	t.say(msgHandoff)
	t.notify(RoleSupport, "Pedido de atención de "+t.who()+".")
}

func handleDerivado(e *Engine, t *turn) {
	if isCancel(t.norm) {
		target := session.State(t.sess.String(keyReturnTo))
		if !e.table[target].menu {
			target = e.contextualMenu(t)
		}
		t.sess.Delete(keyReturnTo)
		e.enterMenu(t, target)
		return
	}
	if t.raw != "" {
		t.notify(RoleSupport, "Mensaje de "+t.who()+": "+t.raw)
	}
	e.ack(t, msgHandoffAck)
}

func handleDerivadoMedia(e *Engine, t *turn) {
	t.notify(RoleSupport, "Archivo ("+string(t.ev.Kind)+") de "+t.who()+": "+t.ev.MediaID)
	e.ack(t, msgHandoffAck)
}

// handleFinalizado leaves the finished flow on the next event: a valid menu
// choice is served right away, anything else shows the menu.
func handleFinalizado(e *Engine, t *turn) {
	target := e.contextualMenu(t)
	e.goTo(t, target)
	if menuFor(target).match(t.norm) != "" {
		e.table[target].text(e, t)
		return
	}
	t.say(msgFinalized)
	t.reply(menuFor(target).reply())
}
