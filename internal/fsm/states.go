package fsm

import "chatbox/internal/session"

const (
	StateInicio          session.State = "INICIO"
	StateMenu            session.State = "MENU"
	StateIdentificacion  session.State = "IDENTIFICACION"
	StateMenuCliente     session.State = "MENU_CLIENTE"
	StateDocumentacion   session.State = "DOCUMENTACION"
	StateFacturaDatos    session.State = "FACTURA_DATOS"
	StateFacturaConfirma session.State = "FACTURA_CONFIRMAR"
	StateFacturaCampo    session.State = "FACTURA_EDITAR_CAMPO"
	StateFacturaValor    session.State = "FACTURA_EDITAR_VALOR"
	StateConsulta        session.State = "CONSULTA"
	StateDerivado        session.State = "DERIVADO"
	StateFinalizado      session.State = "FINALIZADO"
)

// Session data keys. Keys starting with bookkeepingPrefix belong to the
// transport layer and survive an operator reset.
const (
	bookkeepingPrefix = "_"

	keyCUIT           = "cuit"
	keyPendingPayment = "pago_pendiente"
	keyReturnTo       = "volver_a"
	keyLastMenu       = "ultimo_menu"
	keyEditField      = "factura_editar"
)

type handlerFunc func(e *Engine, t *turn)

type stateDef struct {
	// expectsMedia states accept attachments through media.
	expectsMedia bool
	// menu states are recorded as the last menu shown.
	menu bool
	// paymentGuard and handoffGuard enable the cross-cutting intent guards.
	paymentGuard bool
	handoffGuard bool
	text         handlerFunc
	media        handlerFunc
}

func stateTable() map[session.State]stateDef {
	return map[session.State]stateDef{
		StateInicio: {
			paymentGuard: true,
			handoffGuard: true,
			text:         handleInicio,
		},
		StateMenu: {
			menu:         true,
			paymentGuard: true,
			handoffGuard: true,
			text:         handleMenu,
		},
		StateIdentificacion: {
			handoffGuard: true,
			text:         handleIdentificacion,
		},
		StateMenuCliente: {
			menu:         true,
			paymentGuard: true,
			handoffGuard: true,
			text:         handleMenuCliente,
		},
		StateDocumentacion: {
			expectsMedia: true,
			text:         documentsFlow.handleText,
			media:        documentsFlow.handleMedia,
		},
		StateFacturaDatos: {
			expectsMedia: true,
			text:         invoiceFlow.handleText,
			media:        invoiceFlow.handleMedia,
		},
		StateFacturaConfirma: {text: handleFacturaConfirmar},
		StateFacturaCampo:    {text: handleFacturaCampo},
		StateFacturaValor:    {text: handleFacturaValor},
		StateConsulta:        {text: inquiryFlow.handleText},
		StateDerivado: {
			expectsMedia: true,
			text:         handleDerivado,
			media:        handleDerivadoMedia,
		},
		StateFinalizado: {
			paymentGuard: true,
			handoffGuard: true,
			text:         handleFinalizado,
		},
	}
}

// States returns every declared state.
func States() []session.State {
	out := make([]session.State, 0, len(stateTable()))
	for s := range stateTable() {
		out = append(out, s)
	}
	return out
}
