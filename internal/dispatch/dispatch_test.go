package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"chatbox/internal/domain"
	"chatbox/internal/fsm"
	"chatbox/internal/outbox"
)

type enqueued struct {
	conversation string
	recipient    string
	payload      domain.Payload
	key          string
}

type fakeOutbox struct {
	calls  []enqueued
	failOn map[int]error
}

func (f *fakeOutbox) Enqueue(_ context.Context, conversationID, recipient string, payload domain.Payload, key string) (string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, enqueued{conversationID, recipient, payload, key})
	if err := f.failOn[i]; err != nil {
		return "", err
	}
	return key, nil
}

type fakeLog struct {
	msgs []domain.Message
	err  error
}

func (f *fakeLog) Append(_ context.Context, msg domain.Message) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

type fakeContacts struct {
	fields map[string]string
	err    error
}

func (f *fakeContacts) PersistField(_ context.Context, phone, field, value string) error {
	if f.err != nil {
		return f.err
	}
	if f.fields == nil {
		f.fields = map[string]string{}
	}
	f.fields[phone+"/"+field] = value
	return nil
}

type harness struct {
	d        *Dispatcher
	outbox   *fakeOutbox
	log      *fakeLog
	contacts *fakeContacts
}

func newHarness(t *testing.T, staff map[string]string) *harness {
	t.Helper()
	h := &harness{outbox: &fakeOutbox{}, log: &fakeLog{}, contacts: &fakeContacts{}}
	d, err := New(h.outbox, h.log, h.contacts, staff)
	require.NoError(t, err)
	n := 0
	d.newKey = func() string {
		n++
		return fmt.Sprintf("key-%d", n)
	}
	h.d = d
	return h
}

func TestNew_RejectsNilDependencies(t *testing.T) {
	_, err := New(nil, &fakeLog{}, &fakeContacts{}, nil)
	require.Error(t, err)
	_, err = New(&fakeOutbox{}, nil, &fakeContacts{}, nil)
	require.Error(t, err)
	_, err = New(&fakeOutbox{}, &fakeLog{}, nil, nil)
	require.Error(t, err)
}

func TestDispatch_QueuesRepliesInOrderWithFreshKeys(t *testing.T) {
	h := newHarness(t, nil)
	res := fsm.Result{
		NewState: fsm.StateMenuCliente,
		Replies: []fsm.Reply{
			{Text: "Tu saldo pendiente es $ 15.000,00.", Verbatim: true},
			{Text: "   "},
			{Text: "Tu saldo pendiente es $ 15.000,00.", Verbatim: true},
			{Text: "Elegí una opción:", Options: []domain.Option{{ID: "1", Title: "Enviar documentación"}}},
		},
	}
	require.NoError(t, h.d.Dispatch(context.Background(), "549", res))

	require.Len(t, h.outbox.calls, 3)
	require.Equal(t, "key-1", h.outbox.calls[0].key)
	require.Equal(t, "key-2", h.outbox.calls[1].key, "same text twice still gets two entries")
	require.Equal(t, h.outbox.calls[0].payload, h.outbox.calls[1].payload)
	require.Equal(t, domain.PayloadInteractive, h.outbox.calls[2].payload.Kind)
	for _, c := range h.outbox.calls {
		require.Equal(t, "549", c.recipient)
	}

	require.Len(t, h.log.msgs, 3)
	require.Equal(t, domain.DirectionSystem, h.log.msgs[0].Direction)
	require.Equal(t, "key-1", h.log.msgs[0].OutboxID)
	require.Equal(t, string(fsm.StateMenuCliente), h.log.msgs[2].State)
	require.Equal(t, "interactive", h.log.msgs[2].Kind)
}

func TestDispatch_EnqueueFailureIsReturnedButOthersProceed(t *testing.T) {
	h := newHarness(t, map[string]string{fsm.RoleSupport: "5491199999999"})
	h.outbox.failOn = map[int]error{0: errors.New("dynamo throttled")}
	res := fsm.Result{
		Replies: []fsm.Reply{{Text: "uno"}, {Text: "dos"}},
		Effects: []fsm.Effect{{Kind: fsm.EffectNotifyStaff, Role: fsm.RoleSupport, Text: "pide hablar"}},
	}
	err := h.d.Dispatch(context.Background(), "549", res)
	require.ErrorContains(t, err, "1 of 2 replies not queued")
	require.ErrorContains(t, err, "dynamo throttled")
	require.Len(t, h.outbox.calls, 3)
	require.Len(t, h.log.msgs, 1)
	require.Equal(t, "dos", h.log.msgs[0].Text)
}

func TestDispatch_LogFailureDoesNotFail(t *testing.T) {
	h := newHarness(t, nil)
	h.log.err = errors.New("log down")
	require.NoError(t, h.d.Dispatch(context.Background(), "549", fsm.Result{Replies: []fsm.Reply{{Text: "hola"}}}))
	require.Len(t, h.outbox.calls, 1)
}

func TestDispatch_PersistFieldWritesContact(t *testing.T) {
	h := newHarness(t, nil)
	res := fsm.Result{Effects: []fsm.Effect{{Kind: fsm.EffectPersistField, Field: "cuit", Value: "20123456786"}}}
	require.NoError(t, h.d.Dispatch(context.Background(), "549", res))
	require.Equal(t, "20123456786", h.contacts.fields["549/cuit"])
}

func TestDispatch_NotifyStaffGoesToRolePhone(t *testing.T) {
	h := newHarness(t, map[string]string{
		fsm.RoleInvoices: " 5491122222222 ",
		fsm.RoleSupport:  "5491199999999",
		"vacio":          " ",
	})
	res := fsm.Result{
		Replies: []fsm.Reply{{Text: "Listo, ya pasamos tu pedido."}},
		Effects: []fsm.Effect{
			{Kind: fsm.EffectNotifyStaff, Role: fsm.RoleInvoices, Text: "Nueva factura de 549"},
			{Kind: fsm.EffectNotifyStaff, Role: fsm.RoleDocuments, Text: "Documentación de 549"},
		},
	}
	require.NoError(t, h.d.Dispatch(context.Background(), "549", res))
	require.Len(t, h.outbox.calls, 3)
	require.Equal(t, "549", h.outbox.calls[0].recipient, "user reply is queued first")
	require.Equal(t, "5491122222222", h.outbox.calls[1].recipient)
	require.Equal(t, "549", h.outbox.calls[1].conversation)
	require.Equal(t, "5491199999999", h.outbox.calls[2].recipient, "unknown role falls back to support")
	require.Len(t, h.log.msgs, 1, "staff notifications are not part of the conversation log")
}

func TestDispatch_EffectFailuresAreSwallowed(t *testing.T) {
	h := newHarness(t, nil)
	h.contacts.err = errors.New("conditional check failed")
	res := fsm.Result{
		Replies: []fsm.Reply{{Text: "Gracias, ya te identificamos."}},
		Effects: []fsm.Effect{
			{Kind: fsm.EffectPersistField, Field: "cuit", Value: "20123456786"},
			{Kind: fsm.EffectNotifyStaff, Role: fsm.RoleInquiries, Text: "sin staff configurado"},
			{Kind: "unknown"},
		},
	}
	require.NoError(t, h.d.Dispatch(context.Background(), "549", res))
	require.Len(t, h.outbox.calls, 1)
}

func TestDispatch_WithRealOutboxDeduplicatesNothing(t *testing.T) {
	store := outbox.NewMemoryStore()
	ob, err := outbox.New(store)
	require.NoError(t, err)
	d, err := New(ob, &fakeLog{}, &fakeContacts{}, nil)
	require.NoError(t, err)

	res := fsm.Result{Replies: []fsm.Reply{{Text: "$ 100"}, {Text: "$ 100"}}}
	require.NoError(t, d.Dispatch(context.Background(), "549", res))
	require.Len(t, store.All(), 2)
}
