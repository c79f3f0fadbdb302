package extract

import (
	"regexp"
	"strings"
)

// Line-shape classifiers shared by the field strategies. Receipts are noisy;
// these lean tolerant on purpose and are used for exclusion, not extraction.
var (
	reTaxMarker = regexp.MustCompile(`(?i)\b(?:TIN|T\.I\.N\.?|TAX\s*ID(?:ENTIFICATION)?(?:\s*(?:NO|NUMBER|#))?|VAT\s*(?:REG)?\.?\s*(?:NO|NUMBER|#)?)\b[\s:#.]*\d*`)

	reNumericDate = regexp.MustCompile(`\b\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}\b|\b\d{4}[/-]\d{1,2}[/-]\d{1,2}\b`)
	reMonthName   = regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+\d{1,2}`)

	reTotalWord = regexp.MustCompile(`(?i)\b(?:sub\s*total|total|amount(?:\s+due)?|sum|balance|change|cash|tax|vat)\b`)

	rePhoneLabel  = regexp.MustCompile(`(?i)\b(?:tel|telephone|phone|fax|mobile|cell)\b`)
	rePhoneDigits = regexp.MustCompile(`\+?\(?\d{2,4}\)?[\s.-]?\d{3,4}[\s.-]?\d{3,4}(?:[\s.-]?\d{2,4})?`)

	reReference = regexp.MustCompile(`(?i)\b(?:ref|reference|invoice|order|operator|cashier|waiter|server|table|terminal|pos|trans(?:action)?)\b[\s#:.]*`)

	reAddress = regexp.MustCompile(`(?i)\b(?:street|st\.|ave\.?|avenue|road|rd\.?|blvd\.?|boulevard|drive|lane|suite|floor|bldg|building|city|p\.?o\.?\s*box|zip)\b`)

	reSeparator = regexp.MustCompile(`^[\s.*~_]*[-=]{3,}[\s.*~_-]*$|^[-=_*~.\s]{4,}$`)

	reItemNumPrefix = regexp.MustCompile(`(?i)^\s*item\s*#`)
)

// footerPhrases are promotional or closing phrases that never carry fields.
var footerPhrases = []string{
	"thank you",
	"thanks for",
	"welcome",
	"come again",
	"please come",
	"visit us",
	"have a nice",
	"have a great",
	"customer copy",
	"keep this receipt",
	"keep your receipt",
	"save money",
	"opening hours",
	"open daily",
	"www.",
	"http",
	".com",
}

// metadataVocab marks parsed item names that are really column headers,
// tax/footer/address/reference noise leaking into the item region.
var metadataVocab = []string{
	"description", "qty", "oty", "quantity", "price", "amount", "item",
	"total", "subtotal", "sub total", "tax", "vat", "change", "cash",
	"card", "credit", "debit", "tender", "balance",
	"tel", "phone", "fax", "address", "street",
	"tin", "invoice", "receipt", "ref", "order",
	"cashier", "operator", "waiter", "table", "terminal",
	"thank", "welcome",
}

func isTaxMarkerLine(line string) bool { return reTaxMarker.MatchString(line) }

func isDateLine(line string) bool {
	return reNumericDate.MatchString(line) || reMonthName.MatchString(line)
}

func isTotalLine(line string) bool { return reTotalWord.MatchString(line) }

func isPhoneLine(line string) bool {
	if rePhoneLabel.MatchString(line) {
		return true
	}
	// A long, mostly-numeric run without a decimal point reads as a phone
	// number, not a price.
	if m := rePhoneDigits.FindString(line); m != "" && !strings.Contains(m, ".") && digitCount(m) >= 9 {
		return true
	}
	return false
}

func isReferenceLine(line string) bool { return reReference.MatchString(line) }

func isAddressLine(line string) bool { return reAddress.MatchString(line) }

func isSeparatorLine(line string) bool { return reSeparator.MatchString(line) }

func isFooterLine(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range footerPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isMetadataName(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range metadataVocab {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// cleanName strips punctuation outside &'.- and collapses runs of spaces.
func cleanName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '&' || r == '\'' || r == '.' || r == '-' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
