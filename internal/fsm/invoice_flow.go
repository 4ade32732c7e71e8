package fsm

import (
	"strconv"
	"strings"

	"chatbox/internal/domain"
	"chatbox/internal/session"
)

const (
	invoicePrefix   = "factura."
	keyInvoiceMedia = "factura.adjuntos"
)

func storeInvoice(sess *session.Session, f InvoiceFields) {
	for k, v := range f.Map() {
		sess.SetString(invoicePrefix+k, v)
	}
}

func loadInvoice(sess *session.Session) InvoiceFields {
	var f InvoiceFields
	for _, fd := range invoiceFieldOrder {
		v := sess.String(invoicePrefix + fd.key)
		if v == "" {
			v = NotProvided
		}
		*fd.get(&f) = v
	}
	return f
}

func clearInvoice(sess *session.Session) {
	for _, fd := range invoiceFieldOrder {
		sess.Delete(invoicePrefix + fd.key)
	}
	sess.Delete(keyInvoiceMedia, keyEditField)
}

func fieldPicker() Reply {
	opts := make([]domain.Option, 0, len(invoiceFieldOrder))
	for i, fd := range invoiceFieldOrder {
		opts = append(opts, domain.Option{ID: strconv.Itoa(i + 1), Title: fd.label})
	}
	return Reply{Text: msgPickField, Options: opts, Verbatim: true}
}

func showInvoice(t *turn) {
	t.sayVerbatim(loadInvoice(t.sess).Summary())
	t.reply(confirmMenu.reply())
}

func handleFacturaConfirmar(e *Engine, t *turn) {
	switch confirmMenu.match(t.norm) {
	case "1":
		f := loadInvoice(t.sess)
		note := "Pedido de factura de " + t.who() + ".\n" + f.Summary()
		if media := t.sess.Strings(keyInvoiceMedia); len(media) > 0 {
			note += "\nAdjuntos: " + strings.Join(media, ", ")
		}
		t.notify(RoleInvoices, note)
		clearInvoice(t.sess)
		t.say(msgInvoiceDone)
		e.goTo(t, StateFinalizado)
	case "2":
		e.goTo(t, StateFacturaCampo)
		t.reply(fieldPicker())
	case "3":
		clearInvoice(t.sess)
		t.say(msgInvoiceCancel)
		e.enterMenu(t, e.contextualMenu(t))
	default:
		showInvoice(t)
	}
}

func handleFacturaCampo(e *Engine, t *turn) {
	if isCancel(t.norm) {
		e.goTo(t, StateFacturaConfirma)
		showInvoice(t)
		return
	}
	n, err := strconv.Atoi(t.norm)
	if err != nil || n < 1 || n > len(invoiceFieldOrder) {
		t.say(msgNotUnderstood)
		t.reply(fieldPicker())
		return
	}
	fd := invoiceFieldOrder[n-1]
	t.sess.SetString(keyEditField, fd.key)
	e.goTo(t, StateFacturaValor)
	t.say(msgAskFieldValue(fd.label))
}

func handleFacturaValor(e *Engine, t *turn) {
	key := t.sess.String(keyEditField)
	var fd *invoiceField
	for i := range invoiceFieldOrder {
		if invoiceFieldOrder[i].key == key {
			fd = &invoiceFieldOrder[i]
		}
	}
	if fd == nil {
		e.goTo(t, StateFacturaConfirma)
		showInvoice(t)
		return
	}
	if t.raw == "" {
		t.say(msgAskFieldValue(fd.label))
		return
	}

	value := t.raw
	switch fd.key {
	case "importe_total":
		amt, ok := NormalizeAmount(t.raw)
		if !ok {
			t.say(msgInvalidAmount)
			return
		}
		value = amt
	case "cuit_emisor":
		d := digitsOnly(t.raw)
		if !validCUIT(d) {
			t.say(msgInvalidCUIT)
			return
		}
		value = d
	case "fecha_operacion":
		if d, ok := normalizeDate(t.raw); ok {
			value = d
		}
	}

	t.sess.SetString(invoicePrefix+fd.key, value)
	t.sess.Delete(keyEditField)
	e.goTo(t, StateFacturaConfirma)
	showInvoice(t)
}
