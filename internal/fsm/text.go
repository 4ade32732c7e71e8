package fsm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// clean trims and collapses whitespace, keeping case and accents.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalize prepares text for matching: clean, lower case, no accents and no
// surrounding punctuation.
func normalize(s string) string {
	s = strings.ToLower(clean(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '/'
	})
}

var doneWords = []string{
	"listo", "lista", "fin", "termine", "terminado", "ya esta", "eso es todo",
	"nada mas", "es todo", "enviar", "done", "ok listo",
}

// isDone reports whether text is the end-of-input command. Single-word
// synonyms of four or more letters tolerate one typo.
func isDone(text string) bool {
	n := normalize(text)
	if n == "" {
		return false
	}
	for _, w := range doneWords {
		if n == w {
			return true
		}
	}
	if strings.Contains(n, " ") {
		return false
	}
	for _, w := range doneWords {
		if len(w) >= 4 && !strings.Contains(w, " ") && editDistance(n, w) <= 1 {
			return true
		}
	}
	return false
}

// tokenize splits normalized text into words, dropping punctuation.
func tokenize(n string) []string {
	return strings.FieldsFunc(n, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase reports whether phrase occurs in words as a contiguous run.
func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, p := range phrase {
			if words[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func containsAnyPhrase(words []string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(words, tokenize(p)) {
			return true
		}
	}
	return false
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func isCancel(n string) bool {
	switch n {
	case "cancelar", "cancela", "menu", "volver", "salir":
		return true
	}
	return false
}

func containsAny(n string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(n, p) {
			return true
		}
	}
	return false
}

var paymentPhrases = []string{
	"pagar", "pago", "cuanto debo", "cuanto le debo", "saldo", "deuda", "honorarios", "abonar",
}

var handoffPhrases = []string{
	"hablar con una persona", "hablar con alguien", "con un humano", "asesor",
	"hablar con el contador", "hablar con la contadora", "operador", "atencion personal",
}

func isPaymentIntent(n string) bool { return containsAny(n, paymentPhrases) }
func isHandoffIntent(n string) bool { return containsAny(n, handoffPhrases) }

var nonDigits = regexp.MustCompile(`\D`)

func digitsOnly(s string) string {
	return nonDigits.ReplaceAllString(s, "")
}

var cuitWeights = [10]int{5, 4, 3, 2, 7, 6, 5, 4, 3, 2}

// validCUIT checks length, type prefix and the mod-11 check digit of an
// 11-digit CUIT/CUIL.
func validCUIT(digits string) bool {
	if len(digits) != 11 {
		return false
	}
	switch digits[:2] {
	case "20", "23", "24", "25", "26", "27", "30", "33", "34":
	default:
		return false
	}
	sum := 0
	for i, w := range cuitWeights {
		sum += int(digits[i]-'0') * w
	}
	check := 11 - sum%11
	switch check {
	case 11:
		check = 0
	case 10:
		return false
	}
	return int(digits[10]-'0') == check
}
