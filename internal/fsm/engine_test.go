package fsm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbox/internal/domain"
	"chatbox/internal/session"
)

const (
	validCUITA = "20123456786"
	validCUITB = "20111222224"
)

type fakeBalances struct {
	acc   domain.Account
	found bool
	err   error
	calls int
}

func (f *fakeBalances) ResolveBalance(_ context.Context, cuit string) (domain.Account, bool, error) {
	f.calls++
	acc := f.acc
	acc.CUIT = cuit
	return acc, f.found, f.err
}

type harness struct {
	t    *testing.T
	e    *Engine
	sess *session.Session
	now  time.Time
}

func newHarness(t *testing.T, id string, bal *fakeBalances) *harness {
	t.Helper()
	if bal == nil {
		bal = &fakeBalances{}
	}
	e, err := New(Config{Operators: []string{"5491100000000"}, AckCooldown: 12 * time.Second, Balances: bal})
	require.NoError(t, err)
	store, err := session.NewStore(e.Initial(), session.Options{})
	require.NoError(t, err)
	sess, _, release, err := store.Acquire(context.Background(), id)
	require.NoError(t, err)
	t.Cleanup(release)

	h := &harness{t: t, e: e, sess: sess, now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	e.now = func() time.Time { return h.now }
	return h
}

func (h *harness) send(text string) Result {
	return h.e.Transition(context.Background(), h.sess, domain.InboundEvent{
		ConversationID: h.sess.ID,
		Text:           text,
		Kind:           domain.KindText,
	})
}

func (h *harness) sendMedia(kind domain.ContentKind, mediaID string) Result {
	return h.e.Transition(context.Background(), h.sess, domain.InboundEvent{
		ConversationID: h.sess.ID,
		Kind:           kind,
		MediaID:        mediaID,
	})
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func replyTexts(r Result) []string {
	out := make([]string, 0, len(r.Replies))
	for _, rep := range r.Replies {
		out = append(out, rep.Text)
	}
	return out
}

func effectsOf(r Result, kind EffectKind) []Effect {
	var out []Effect
	for _, e := range r.Effects {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// identify walks a fresh conversation to the client menu.
func (h *harness) identify(cuit string) {
	h.t.Helper()
	h.send("hola")
	h.send("1")
	res := h.send(cuit)
	require.Equal(h.t, StateMenuCliente, res.NewState)
}

func TestNew_RequiresBalances(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStates_AllHaveHandlers(t *testing.T) {
	table := stateTable()
	require.Len(t, States(), len(table))
	for st, def := range table {
		require.NotNil(t, def.text, st)
		if def.expectsMedia {
			require.NotNil(t, def.media, st)
		}
	}
}

func TestInicio_ShowsRootMenu(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	res := h.send("hola")
	require.Equal(t, StateMenu, res.NewState)
	require.Equal(t, []string{msgWelcome, rootMenu.header}, replyTexts(res))
	require.Len(t, res.Replies[1].Options, 3)
	require.Equal(t, string(StateMenu), h.sess.String(keyLastMenu))
}

func TestIdentification_InvalidKeepsStateValidPersists(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.send("hola")
	res := h.send("1")
	require.Equal(t, StateIdentificacion, res.NewState)

	res = h.send("20-12345678-3")
	require.Equal(t, StateIdentificacion, res.NewState)
	require.Equal(t, []string{msgInvalidCUIT}, replyTexts(res))
	require.Empty(t, res.Effects)
	require.Equal(t, "", h.sess.String(keyCUIT))

	res = h.send("no se")
	require.Equal(t, StateIdentificacion, res.NewState)

	res = h.send("20-12345678-6")
	require.Equal(t, StateMenuCliente, res.NewState)
	require.Equal(t, validCUITA, h.sess.String(keyCUIT))
	require.Equal(t, []Effect{{Kind: EffectPersistField, Field: "cuit", Value: validCUITA}}, res.Effects)
	require.Equal(t, []string{msgIdentified, clientMenu.header}, replyTexts(res))
}

func TestPaymentIntent_UnidentifiedResumesAfterIdentification(t *testing.T) {
	bal := &fakeBalances{acc: domain.Account{Balance: "45000.00"}, found: true}
	h := newHarness(t, "5491111111111", bal)
	h.send("hola")

	res := h.send("Quiero pagar los honorarios")
	require.Equal(t, StateIdentificacion, res.NewState)
	require.True(t, h.sess.Bool(keyPendingPayment))
	require.Equal(t, 0, bal.calls)

	res = h.send(validCUITB)
	require.Equal(t, StateMenuCliente, res.NewState)
	require.False(t, h.sess.Bool(keyPendingPayment))
	require.Equal(t, []string{msgIdentified, "Tu saldo pendiente es $ 45000.00.", msgBalanceTail}, replyTexts(res))
	require.True(t, res.Replies[1].Verbatim)
	require.Equal(t, 1, bal.calls)
}

func TestPaymentIntent_IdentifiedAnswersDirectly(t *testing.T) {
	bal := &fakeBalances{acc: domain.Account{Balance: "1200.50"}, found: true}
	h := newHarness(t, "5491111111111", bal)
	h.identify(validCUITA)

	res := h.send("cuánto debo?")
	require.Equal(t, StateMenuCliente, res.NewState)
	require.Equal(t, []string{"Tu saldo pendiente es $ 1200.50.", msgBalanceTail}, replyTexts(res))
}

func TestPaymentIntent_NotEnabledInCollectionStates(t *testing.T) {
	bal := &fakeBalances{found: true, acc: domain.Account{Balance: "10.00"}}
	h := newHarness(t, "5491111111111", bal)
	h.identify(validCUITA)
	h.send("1")

	res := h.send("adjunto el comprobante de pago")
	require.Equal(t, StateDocumentacion, res.NewState)
	require.Equal(t, 0, bal.calls)
}

func TestBalance_LookupFailureIsGeneric(t *testing.T) {
	h := newHarness(t, "5491111111111", &fakeBalances{err: errors.New("dynamodb down")})
	h.identify(validCUITA)
	res := h.send("3")
	require.Equal(t, []string{msgSomethingWrong}, replyTexts(res))
	require.Equal(t, StateMenuCliente, res.NewState)
}

func TestBalance_NothingOwed(t *testing.T) {
	h := newHarness(t, "5491111111111", &fakeBalances{found: false})
	h.identify(validCUITA)
	res := h.send("3")
	require.Equal(t, []string{msgNoBalance}, replyTexts(res))
}

func TestHandoff_CapturesReturnStateAndComesBack(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)

	res := h.send("quiero hablar con una persona")
	require.Equal(t, StateDerivado, res.NewState)
	require.Equal(t, string(StateMenuCliente), h.sess.String(keyReturnTo))
	notes := effectsOf(res, EffectNotifyStaff)
	require.Len(t, notes, 1)
	require.Equal(t, RoleSupport, notes[0].Role)

	res = h.send("tengo una duda con el monotributo")
	require.Equal(t, StateDerivado, res.NewState)
	require.Len(t, effectsOf(res, EffectNotifyStaff), 1)
	require.Equal(t, []string{msgHandoffAck}, replyTexts(res))

	res = h.send("menu")
	require.Equal(t, StateMenuCliente, res.NewState)
	require.Equal(t, "", h.sess.String(keyReturnTo))
}

func TestHandoff_NotTriggeredByAttachments(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.send("hola")
	res := h.e.Transition(context.Background(), h.sess, domain.InboundEvent{
		ConversationID: h.sess.ID,
		Kind:           domain.KindImage,
		Text:           "quiero hablar con un asesor",
		MediaID:        "m1",
	})
	require.Equal(t, StateMenu, res.NewState)
	require.Equal(t, msgNoAttachments, res.Replies[0].Text)
	require.Empty(t, res.Effects)
}

func TestCollect_DoneWithNothingRePrompts(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	h.send("1")

	res := h.send("  LISTO ")
	require.Equal(t, StateDocumentacion, res.NewState)
	require.Equal(t, []string{msgDocsEmpty}, replyTexts(res))
	require.Empty(t, res.Effects)
}

func TestCollect_DocumentsSummaryAndNotify(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	h.send("1")

	res := h.send("te mando las facturas de marzo")
	require.Equal(t, []string{msgDocsAck}, replyTexts(res))
	res = h.sendMedia(domain.KindImage, "img-1")
	require.Equal(t, StateDocumentacion, res.NewState)
	require.Empty(t, res.Replies)
	h.sendMedia(domain.KindAudio, "aud-1")
	h.sendMedia(domain.KindDocument, "doc-1")
	h.send("y el resumen del banco")

	res = h.send("Listoo")
	require.Equal(t, StateMenuCliente, res.NewState)
	summary := msgSummary(2, 1, 2)
	require.Equal(t, []string{msgDocsDone, summary, clientMenu.header}, replyTexts(res))

	notes := effectsOf(res, EffectNotifyStaff)
	require.Len(t, notes, 1)
	require.Equal(t, RoleDocuments, notes[0].Role)
	require.Contains(t, notes[0].Text, summary)
	require.Contains(t, notes[0].Text, "te mando las facturas de marzo\n\ny el resumen del banco")
	require.Contains(t, notes[0].Text, "audio:aud-1")

	require.Equal(t, "", h.sess.String("docs_texto"))
	require.Empty(t, h.sess.Strings("docs_adjuntos"))
	require.Equal(t, 0, h.sess.Int("docs_mensajes"))
}

func TestCollect_AckIsRateLimitedPerState(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	h.send("1")

	require.Len(t, h.send("uno").Replies, 1)
	h.advance(5 * time.Second)
	require.Empty(t, h.send("dos").Replies)
	h.advance(8 * time.Second)
	require.Len(t, h.send("tres").Replies, 1)
	require.Equal(t, 3, h.sess.Int("docs_mensajes"))
}

func TestCollect_CancelClearsAndShowsMenu(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	h.send("1")
	h.send("algo")

	res := h.send("cancelar")
	require.Equal(t, StateMenuCliente, res.NewState)
	require.Equal(t, "", h.sess.String("docs_texto"))
}

func TestAttachment_InNonMediaStateShowsContextualMenu(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.send("hola")
	h.send("1")

	res := h.sendMedia(domain.KindImage, "img-1")
	require.Equal(t, StateMenu, res.NewState)
	require.Equal(t, []string{msgNoAttachments, rootMenu.header}, replyTexts(res))

	h.identify(validCUITA)
	h.send("quiero hablar con un asesor")
	h.send("menu")
	h.send("2")
	h.send("concepto: asesoramiento")
	res = h.send("listo")
	require.Equal(t, StateFacturaConfirma, res.NewState)

	res = h.sendMedia(domain.KindDocument, "doc-1")
	require.Equal(t, StateMenuCliente, res.NewState)
	require.Equal(t, []string{msgNoAttachments, clientMenu.header}, replyTexts(res))
}

func TestAttachment_InquiryDoesNotAcceptMedia(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.send("hola")
	h.send("2")
	res := h.sendMedia(domain.KindVideo, "vid-1")
	require.Equal(t, StateMenu, res.NewState)
	require.Equal(t, msgNoAttachments, res.Replies[0].Text)
}

func TestInquiry_FinishesAndReturnsOnNextEvent(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.send("hola")
	h.send("2")
	h.send("Necesito abrir una SAS")
	res := h.send("eso es todo")
	require.Equal(t, StateFinalizado, res.NewState)
	notes := effectsOf(res, EffectNotifyStaff)
	require.Len(t, notes, 1)
	require.Equal(t, RoleInquiries, notes[0].Role)
	require.Contains(t, notes[0].Text, "Necesito abrir una SAS")

	res = h.send("gracias")
	require.Equal(t, StateMenu, res.NewState)
	require.Equal(t, []string{msgFinalized, rootMenu.header}, replyTexts(res))
}

func TestFinalizado_ValidChoiceIsServedImmediately(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.send("hola")
	h.send("2")
	h.send("consulta")
	h.send("listo")

	res := h.send("1")
	require.Equal(t, StateIdentificacion, res.NewState)
}

func TestReset_OnlyForOperators(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	res := h.send("/reset")
	require.Equal(t, StateMenuCliente, res.NewState)
	require.Equal(t, validCUITA, h.sess.String(keyCUIT))

	op := newHarness(t, "5491100000000", nil)
	op.identify(validCUITA)
	op.sess.Data["_wa_last_event"] = "wamid.7"
	res = op.send("/reset")
	require.Equal(t, StateInicio, res.NewState)
	require.Equal(t, []string{msgResetDone}, replyTexts(res))
	require.Equal(t, "", op.sess.String(keyCUIT))
	require.Equal(t, "wamid.7", op.sess.String("_wa_last_event"))
}

func TestUnknownState_RestartsConversation(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.sess.State = "BORRADO"
	res := h.send("hola")
	require.Equal(t, StateMenu, res.NewState)
	require.Equal(t, msgWelcome, res.Replies[0].Text)
}

func TestInvoice_ConfirmEditLoop(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	h.send("2")
	h.send("concepto: honorarios de marzo")
	h.send("$ 25.000")
	h.send("receptor: Panadería Los Hornos")

	res := h.send("listo")
	require.Equal(t, StateFacturaConfirma, res.NewState)
	require.Contains(t, res.Replies[0].Text, "1. CUIT emisor: "+validCUITA)
	require.Contains(t, res.Replies[0].Text, "3. Importe total: $ 25000.00")
	require.Contains(t, res.Replies[0].Text, "4. Fecha de operación: "+NotProvided)

	res = h.send("2")
	require.Equal(t, StateFacturaCampo, res.NewState)
	require.Len(t, res.Replies[0].Options, 5)

	res = h.send("9")
	require.Equal(t, StateFacturaCampo, res.NewState)

	res = h.send("3")
	require.Equal(t, StateFacturaValor, res.NewState)

	res = h.send("mucho")
	require.Equal(t, StateFacturaValor, res.NewState)
	require.Equal(t, []string{msgInvalidAmount}, replyTexts(res))

	res = h.send("30.500,75")
	require.Equal(t, StateFacturaConfirma, res.NewState)
	require.Contains(t, res.Replies[0].Text, "3. Importe total: $ 30500.75")

	res = h.send("2")
	require.Equal(t, StateFacturaCampo, res.NewState)
	h.send("4")
	res = h.send("5/3/26")
	require.Contains(t, res.Replies[0].Text, "4. Fecha de operación: 05/03/2026")

	res = h.send("sí")
	require.Equal(t, StateFinalizado, res.NewState)
	notes := effectsOf(res, EffectNotifyStaff)
	require.Len(t, notes, 1)
	require.Equal(t, RoleInvoices, notes[0].Role)
	require.Contains(t, notes[0].Text, "30500.75")
	require.Equal(t, "", h.sess.String("factura.concepto"))
}

func TestInvoice_RejectionNeverFinalizes(t *testing.T) {
	for _, answer := range []string{"incorrecto", "no es correcto", "no está correcto, falta la fecha"} {
		t.Run(answer, func(t *testing.T) {
			h := newHarness(t, "5491111111111", nil)
			h.identify(validCUITA)
			h.send("2")
			h.send("concepto: asesoramiento")
			require.Equal(t, StateFacturaConfirma, h.send("listo").NewState)

			res := h.send(answer)
			require.Equal(t, StateFacturaCampo, res.NewState)
			require.Empty(t, effectsOf(res, EffectNotifyStaff))
			require.Equal(t, "asesoramiento", loadInvoice(h.sess).Concepto)
		})
	}
}

func TestRootMenu_ProspectGoesToInquiry(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.send("hola")
	res := h.send("Quiero ser cliente")
	require.Equal(t, StateConsulta, res.NewState)
}

func TestInvoice_UnknownAnswerReShowsSummary(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	h.send("2")
	h.send("concepto: asesoramiento")
	h.send("listo")

	res := h.send("mmm")
	require.Equal(t, StateFacturaConfirma, res.NewState)
	require.True(t, strings.HasPrefix(res.Replies[0].Text, "Datos de la factura:"))
	require.Empty(t, res.Effects)
}

func TestInvoice_MediaOnlyIsAccepted(t *testing.T) {
	h := newHarness(t, "5491111111111", nil)
	h.identify(validCUITA)
	h.send("2")
	h.sendMedia(domain.KindImage, "ticket-1")

	res := h.send("listo")
	require.Equal(t, StateFacturaConfirma, res.NewState)
	require.Contains(t, res.Replies[0].Text, "2. Concepto: "+NotProvided)
	require.Equal(t, []string{"image:ticket-1"}, h.sess.Strings(keyInvoiceMedia))
}
