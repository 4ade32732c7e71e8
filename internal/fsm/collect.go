package fsm

import (
	"strings"

	"chatbox/internal/domain"
	"chatbox/internal/session"
)

// collectFlow accumulates free text and attachments until the user sends the
// done command.
type collectFlow struct {
	textKey  string
	countKey string
	mediaKey string
	// fragKey, when set, also keeps each message as a separate fragment.
	fragKey string
	prompt  string
	ackText string
	empty   string
	done    func(e *Engine, t *turn, c collected)
}

type collected struct {
	text      string
	texts     int
	media     []string
	fragments []string
}

// counts returns text messages, audios and other attachments.
func (c collected) counts() (texts, audios, others int) {
	for _, m := range c.media {
		if strings.HasPrefix(m, string(domain.KindAudio)+":") {
			audios++
		} else {
			others++
		}
	}
	return c.texts, audios, others
}

func (f collectFlow) load(sess *session.Session) collected {
	c := collected{
		text:  sess.String(f.textKey),
		texts: sess.Int(f.countKey),
		media: sess.Strings(f.mediaKey),
	}
	if f.fragKey != "" {
		c.fragments = sess.Strings(f.fragKey)
	}
	return c
}

func (f collectFlow) clear(sess *session.Session) {
	sess.Delete(f.textKey, f.countKey, f.mediaKey)
	if f.fragKey != "" {
		sess.Delete(f.fragKey)
	}
}

func (f collectFlow) handleText(e *Engine, t *turn) {
	if isDone(t.raw) {
		c := f.load(t.sess)
		if c.text == "" && len(c.media) == 0 {
			t.say(f.empty)
			return
		}
		f.clear(t.sess)
		f.done(e, t, c)
		return
	}
	if isCancel(t.norm) {
		f.clear(t.sess)
		t.say(msgCollectCancel)
		e.enterMenu(t, e.contextualMenu(t))
		return
	}
	if t.raw == "" {
		t.say(f.prompt)
		return
	}
	t.sess.AppendText(f.textKey, t.raw)
	t.sess.Incr(f.countKey)
	if f.fragKey != "" {
		t.sess.Append(f.fragKey, t.raw)
	}
	e.ack(t, f.ackText)
}

// handleMedia records the attachment and stays in the state; only the done
// command ends the flow.
func (f collectFlow) handleMedia(e *Engine, t *turn) {
	t.sess.Append(f.mediaKey, string(t.ev.Kind)+":"+t.ev.MediaID)
	if t.raw != "" {
		t.sess.AppendText(f.textKey, t.raw)
		if f.fragKey != "" {
			t.sess.Append(f.fragKey, t.raw)
		}
	}
	e.ack(t, f.ackText)
}

var documentsFlow = collectFlow{
	textKey:  "docs_texto",
	countKey: "docs_mensajes",
	mediaKey: "docs_adjuntos",
	prompt:   msgDocsPrompt,
	ackText:  msgDocsAck,
	empty:    msgDocsEmpty,
	done:     finishDocuments,
}

var invoiceFlow = collectFlow{
	textKey:  "factura_texto",
	countKey: "factura_mensajes",
	mediaKey: "factura_adjuntos",
	fragKey:  "factura_fragmentos",
	prompt:   msgInvoicePrompt,
	ackText:  msgInvoiceAck,
	empty:    msgInvoiceEmpty,
	done:     finishInvoiceData,
}

var inquiryFlow = collectFlow{
	textKey:  "consulta_texto",
	countKey: "consulta_mensajes",
	mediaKey: "consulta_adjuntos",
	prompt:   msgInquiryPrompt,
	ackText:  msgInquiryAck,
	empty:    msgInquiryEmpty,
	done:     finishInquiry,
}

func finishDocuments(e *Engine, t *turn, c collected) {
	summary := msgSummary(c.counts())
	note := "Documentación de " + t.who() + ". " + summary
	if len(c.media) > 0 {
		note += "\nAdjuntos: " + strings.Join(c.media, ", ")
	}
	if c.text != "" {
		note += "\n\n" + c.text
	}
	t.notify(RoleDocuments, note)
	t.say(msgDocsDone)
	t.sayVerbatim(summary)
	e.enterMenu(t, e.contextualMenu(t))
}

func finishInquiry(e *Engine, t *turn, c collected) {
	t.notify(RoleInquiries, "Consulta de "+t.who()+":\n\n"+c.text)
	t.say(msgInquiryDone)
	e.goTo(t, StateFinalizado)
}

func finishInvoiceData(e *Engine, t *turn, c collected) {
	fields := ParseInvoice(c.fragments, t.sess.String(keyCUIT))
	storeInvoice(t.sess, fields)
	t.sess.Delete(keyInvoiceMedia)
	for _, m := range c.media {
		t.sess.Append(keyInvoiceMedia, m)
	}
	e.goTo(t, StateFacturaConfirma)
	t.sayVerbatim(fields.Summary())
	t.reply(confirmMenu.reply())
}
