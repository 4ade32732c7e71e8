package fsm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// NotProvided marks an invoice field that could not be extracted with
// confidence. Fields are never guessed.
const NotProvided = "NO INFORMA"

// InvoiceFields are the data staff needs to issue an invoice.
type InvoiceFields struct {
	CUITEmisor     string
	Concepto       string
	ImporteTotal   string
	FechaOperacion string
	Receptor       string
}

type invoiceField struct {
	key   string
	label string
	get   func(*InvoiceFields) *string
}

// invoiceFieldOrder is the order fields are shown and numbered for editing.
var invoiceFieldOrder = []invoiceField{
	{"cuit_emisor", "CUIT emisor", func(f *InvoiceFields) *string { return &f.CUITEmisor }},
	{"concepto", "Concepto", func(f *InvoiceFields) *string { return &f.Concepto }},
	{"importe_total", "Importe total", func(f *InvoiceFields) *string { return &f.ImporteTotal }},
	{"fecha_operacion", "Fecha de operación", func(f *InvoiceFields) *string { return &f.FechaOperacion }},
	{"receptor", "Receptor", func(f *InvoiceFields) *string { return &f.Receptor }},
}

// Map returns the fields keyed by their wire names.
func (f InvoiceFields) Map() map[string]string {
	out := make(map[string]string, len(invoiceFieldOrder))
	for _, fd := range invoiceFieldOrder {
		out[fd.key] = *fd.get(&f)
	}
	return out
}

// Summary renders the numbered field list shown for confirmation.
func (f InvoiceFields) Summary() string {
	var b strings.Builder
	b.WriteString("Datos de la factura:")
	for i, fd := range invoiceFieldOrder {
		v := *fd.get(&f)
		if fd.key == "importe_total" && v != NotProvided {
			v = "$ " + v
		}
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, fd.label, v)
	}
	return b.String()
}

var labelAliases = map[string]string{
	"cuit":               "cuit_emisor",
	"cuit emisor":        "cuit_emisor",
	"emisor":             "cuit_emisor",
	"concepto":           "concepto",
	"descripcion":        "concepto",
	"detalle":            "concepto",
	"importe":            "importe_total",
	"importe total":      "importe_total",
	"monto":              "importe_total",
	"total":              "importe_total",
	"fecha":              "fecha_operacion",
	"fecha de operacion": "fecha_operacion",
	"receptor":           "receptor",
	"cuit receptor":      "receptor",
	"cliente":            "receptor",
	"destinatario":       "receptor",
	"a nombre de":        "receptor",
}

var (
	labeledRe     = regexp.MustCompile(`^\s*([^:=]{2,30}?)\s*[:=]\s*(.+)$`)
	cuitRe        = regexp.MustCompile(`\b\d{2}-?\d{8}-?\d\b`)
	dateRe        = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{2}|\d{4})\b`)
	moneyRe       = regexp.MustCompile(`\$\s*\d[\d.,]*`)
	bareAmountRe  = regexp.MustCompile(`\b\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?\b|\b\d+,\d{1,2}\b`)
	currencyWords = regexp.MustCompile(`(?i)\$|\bars\b|\bpesos\b`)
	amountShapeRe = regexp.MustCompile(`^\d[\d.,]*$`)
)

// ParseInvoice extracts invoice fields from unordered free-text fragments.
// A known CUIT takes precedence over anything scraped from the text.
func ParseInvoice(fragments []string, knownCUIT string) InvoiceFields {
	labeled := make(map[string]string)
	used := make([]bool, len(fragments))
	cleaned := make([]string, len(fragments))

	for i, frag := range fragments {
		cleaned[i] = clean(frag)
		m := labeledRe.FindStringSubmatch(cleaned[i])
		if m == nil {
			continue
		}
		key, ok := labelAliases[normalize(m[1])]
		if !ok {
			continue
		}
		if _, seen := labeled[key]; !seen {
			labeled[key] = strings.TrimSpace(m[2])
		}
		used[i] = true
	}

	f := InvoiceFields{
		CUITEmisor:     NotProvided,
		Concepto:       NotProvided,
		ImporteTotal:   NotProvided,
		FechaOperacion: NotProvided,
		Receptor:       NotProvided,
	}

	switch {
	case strings.TrimSpace(knownCUIT) != "":
		f.CUITEmisor = strings.TrimSpace(knownCUIT)
	case labeled["cuit_emisor"] != "":
		if d := digitsOnly(labeled["cuit_emisor"]); len(d) == 11 {
			f.CUITEmisor = d
		}
	default:
		for i, c := range cleaned {
			if used[i] {
				continue
			}
			if m := cuitRe.FindString(c); m != "" {
				f.CUITEmisor = digitsOnly(m)
				break
			}
		}
	}

	if v, ok := labeled["importe_total"]; ok {
		if amt, ok := NormalizeAmount(v); ok {
			f.ImporteTotal = amt
		}
	} else {
		for i, c := range cleaned {
			if used[i] || cuitRe.MatchString(c) || dateRe.MatchString(c) {
				continue
			}
			if amt, ok := NormalizeAmount(c); ok {
				f.ImporteTotal = amt
				used[i] = true
				break
			}
			if m := moneyRe.FindString(c); m != "" {
				if amt, ok := NormalizeAmount(m); ok {
					f.ImporteTotal = amt
					break
				}
			}
		}
	}

	if v, ok := labeled["fecha_operacion"]; ok {
		if d, ok := normalizeDate(v); ok {
			f.FechaOperacion = d
		} else if v != "" {
			f.FechaOperacion = v
		}
	} else {
		for i, c := range cleaned {
			if used[i] {
				continue
			}
			if d, ok := normalizeDate(c); ok {
				f.FechaOperacion = d
				break
			}
		}
	}

	if v := labeled["receptor"]; v != "" {
		f.Receptor = v
	}

	if v := labeled["concepto"]; v != "" {
		if d := stripFieldPatterns(v); d != "" {
			f.Concepto = d
		}
		return f
	}
	best := ""
	for i, c := range cleaned {
		if used[i] {
			continue
		}
		d := stripFieldPatterns(c)
		if isLabelOnly(d) {
			continue
		}
		if utf8.RuneCountInString(d) > utf8.RuneCountInString(best) {
			best = d
		}
	}
	if best != "" {
		f.Concepto = best
	}
	return f
}

// isLabelOnly reports whether what is left of a fragment after stripping
// field values is empty or just a field label such as "fecha" or "total".
func isLabelOnly(s string) bool {
	n := normalize(currencyWords.ReplaceAllString(s, " "))
	if n == "" {
		return true
	}
	_, ok := labelAliases[n]
	return ok
}

// stripFieldPatterns removes identifier, amount and date substrings so they
// do not bleed into the description.
func stripFieldPatterns(s string) string {
	s = cuitRe.ReplaceAllString(s, " ")
	s = dateRe.ReplaceAllString(s, " ")
	s = moneyRe.ReplaceAllString(s, " ")
	s = bareAmountRe.ReplaceAllString(s, " ")
	s = clean(s)
	return strings.Trim(s, " -,;.:")
}

// NormalizeAmount converts a peso amount written the local way ("$ 1.500,00",
// "1500", "1500.5") to a dot-decimal string with two decimals.
func NormalizeAmount(s string) (string, bool) {
	s = currencyWords.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), "")
	if !amountShapeRe.MatchString(s) {
		return "", false
	}
	switch {
	case strings.Contains(s, ","):
		if strings.Count(s, ",") > 1 {
			return "", false
		}
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	case strings.Contains(s, "."):
		if frac := s[strings.LastIndex(s, ".")+1:]; len(frac) == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', 2, 64), true
}

func normalizeDate(s string) (string, bool) {
	m := dateRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if year < 100 {
		year += 2000
	}
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return "", false
	}
	return fmt.Sprintf("%02d/%02d/%04d", day, month, year), true
}
