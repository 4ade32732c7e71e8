package fsm

import (
	"fmt"
	"strings"

	"chatbox/internal/domain"
)

type menu struct {
	header   string
	options  []domain.Option
	keywords map[string][]string
	// affirm is the option a negated answer can never select.
	affirm string
}

// negationWords turn an otherwise affirmative answer into a rejection.
var negationWords = []string{"no", "incorrecto", "incorrectos", "mal", "falta", "faltan", "error"}

var rootMenu = menu{
	header: "¿En qué te podemos ayudar?",
	options: []domain.Option{
		{ID: "1", Title: "Soy cliente"},
		{ID: "2", Title: "Quiero hacer una consulta"},
		{ID: "3", Title: "Hablar con una persona"},
	},
	keywords: map[string][]string{
		"1": {"soy cliente", "cliente"},
		"2": {"consulta", "quiero ser cliente", "presupuesto"},
		"3": {"persona"},
	},
}

var clientMenu = menu{
	header: "Elegí una opción:",
	options: []domain.Option{
		{ID: "1", Title: "Enviar documentación"},
		{ID: "2", Title: "Pedir una factura"},
		{ID: "3", Title: "Consultar saldo"},
		{ID: "4", Title: "Hablar con una persona"},
		{ID: "5", Title: "Menú principal"},
	},
	keywords: map[string][]string{
		"1": {"documentacion", "documentos", "enviar"},
		"2": {"factura", "facturar"},
		"3": {"saldo"},
		"4": {"persona"},
		"5": {"menu principal", "inicio"},
	},
}

var confirmMenu = menu{
	header: "¿Los datos son correctos?",
	options: []domain.Option{
		{ID: "1", Title: "Confirmar"},
		{ID: "2", Title: "Corregir un dato"},
		{ID: "3", Title: "Cancelar"},
	},
	keywords: map[string][]string{
		"1": {"si", "confirmar", "confirmo", "correcto", "ok"},
		"2": append([]string{"corregir", "editar", "cambiar"}, negationWords...),
		"3": {"cancelar"},
	},
	affirm: "1",
}

// match returns the option id chosen by normalized input n, or "".
// Keywords match whole words; the longest matching keyword wins and ties go
// to the earlier option.
func (m menu) match(n string) string {
	for _, o := range m.options {
		if n == o.ID || n == normalize(o.Title) {
			return o.ID
		}
	}
	words := tokenize(n)
	negated := m.affirm != "" && containsAnyPhrase(words, negationWords)
	best, bestLen := "", 0
	for _, o := range m.options {
		if negated && o.ID == m.affirm {
			continue
		}
		for _, kw := range m.keywords[o.ID] {
			if len(kw) > bestLen && containsPhrase(words, tokenize(kw)) {
				best, bestLen = o.ID, len(kw)
			}
		}
	}
	return best
}

func (m menu) reply() Reply {
	return Reply{Text: m.header, Options: m.options, Verbatim: true}
}

const (
	msgWelcome        = "¡Hola! Te damos la bienvenida al estudio contable."
	msgWelcomeBack    = "¡Hola de nuevo!"
	msgAskCUIT        = "Para identificarte, escribí tu CUIT (11 números, con o sin guiones)."
	msgInvalidCUIT    = "Ese CUIT no parece válido. Revisalo y escribilo de nuevo, por favor."
	msgIdentified     = "¡Gracias! Ya te identificamos."
	msgNotUnderstood  = "No entendí tu respuesta."
	msgNoAttachments  = "Perdón, en este paso no puedo recibir archivos."
	msgSomethingWrong = "Algo salió mal. Por favor, probá de nuevo en unos minutos."
	msgResetDone      = "Sesión reiniciada."

	msgDocsPrompt    = "Enviá la documentación (fotos, PDF, audios o texto). Cuando termines, escribí LISTO."
	msgDocsAck       = "Recibido. Podés seguir enviando; cuando termines, escribí LISTO."
	msgDocsEmpty     = "Todavía no recibimos nada. Enviá la documentación y después escribí LISTO."
	msgDocsDone      = "¡Gracias! Ya le pasamos la documentación al equipo."
	msgInvoicePrompt = "Contanos los datos de la factura: concepto, importe, fecha y a quién se emite. Podés mandarlos en varios mensajes. Cuando termines, escribí LISTO."
	msgInvoiceAck    = "Anotado. Cuando termines, escribí LISTO."
	msgInvoiceEmpty  = "Todavía no nos pasaste datos de la factura. Escribilos y después escribí LISTO."
	msgInvoiceDone   = "¡Listo! Vamos a emitir la factura y te la enviamos por acá."
	msgInvoiceCancel = "Cancelamos el pedido de factura."
	msgInquiryPrompt = "Contanos tu consulta. Podés usar varios mensajes; cuando termines, escribí LISTO."
	msgInquiryAck    = "Anotado. Cuando termines, escribí LISTO."
	msgInquiryEmpty  = "Todavía no nos contaste tu consulta. Escribila y después escribí LISTO."
	msgInquiryDone   = "¡Gracias! Un integrante del equipo te va a contactar."
	msgCollectCancel = "Cancelamos el envío."

	msgPickField     = "¿Qué dato querés corregir? Respondé con el número."
	msgInvalidAmount = "No pude leer ese importe. Escribilo como número, por ejemplo 1500,50."

	msgHandoff    = "Te derivamos con una persona del equipo. Te van a responder por este medio."
	msgHandoffAck = "Tu mensaje quedó registrado; una persona del equipo te va a responder."
	msgFinalized  = "¡Gracias por escribirnos!"

	msgNoBalance   = "No registramos saldo pendiente a tu nombre."
	msgBalanceTail = "Si ya pagaste, enviá el comprobante desde la opción Enviar documentación."
)

func msgBalance(acc domain.Account) string {
	return fmt.Sprintf("Tu saldo pendiente es $ %s.", acc.Balance)
}

func msgAskFieldValue(label string) string {
	return fmt.Sprintf("Escribí el nuevo valor para %s.", strings.ToLower(label))
}

func msgSummary(texts, audios, others int) string {
	return fmt.Sprintf("Resumen: %d mensajes de texto, %d audios y %d archivos.", texts, audios, others)
}
