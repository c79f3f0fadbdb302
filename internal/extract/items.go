package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/receiptio/receiptd/internal/entity"
)

// Column-header shapes. OCR commonly corrupts "Qty" into "Oty", so the
// quantity token is matched loosely.
var (
	reItemHeader = regexp.MustCompile(`(?i)\b(?:desc(?:ription)?|item|product)s?\b.*\b(?:[qo]ty|quantity)\b.*\b(?:price|amount|cost)\b`)

	reItemTerminator = regexp.MustCompile(`(?i)^\s*(?:grand\s+total|sub\s*total|subtotal|total|tax|vat|sum|cash|amount\s+due|change|tender)\b`)

	// name, 1-3 digit quantity, decimal price all on one line.
	reNameQtyPrice = regexp.MustCompile(`^(.+?)\s+(\d{1,3})\s+(?:[xX@]\s*)?[$£€₱]?(\d{1,3}(?:,\d{3})*\.\d{2}|\d+\.\d{2})\s*$`)

	reColumnSplit  = regexp.MustCompile(`\t+|\s{2,}`)
	reDecimalCol   = regexp.MustCompile(`^[$£€₱]?\d{1,3}(?:,\d{3})*\.\d{2}$|^[$£€₱]?\d+\.\d{2}$`)
	reIntegerCol   = regexp.MustCompile(`^\d{1,3}$`)
	reAnyDecimal   = regexp.MustCompile(`[$£€₱]?\d{1,3}(?:,\d{3})*\.\d{2}|[$£€₱]?\d+\.\d{2}`)
	reBareInteger  = regexp.MustCompile(`(?:^|\s)(\d{1,3})(?:\s|$)`)
	reNoiseSymbols = regexp.MustCompile(`[*#@|_=+<>]`)
)

// extractItems locates an item table under a Description/Qty/Price-shaped
// header and parses lines until a terminator. Without a header, a looser
// single pass keeps any line that yields both a name and a price.
func extractItems(lines []string) []entity.LineItem {
	headerIdx := -1
	for i, line := range lines {
		if reItemHeader.MatchString(line) {
			headerIdx = i
			break
		}
	}

	items := []entity.LineItem{}
	if headerIdx >= 0 {
		for _, line := range lines[headerIdx+1:] {
			if isItemTerminator(line) {
				break
			}
			if item := parseItemLine(line); item != nil {
				items = append(items, *item)
			}
		}
		return items
	}

	// No header found: same exclusions, keep only name+price lines.
	for _, line := range lines {
		if isItemTerminator(line) {
			continue
		}
		if item := parseItemLine(line); item != nil {
			items = append(items, *item)
		}
	}
	return items
}

func isItemTerminator(line string) bool {
	return reItemTerminator.MatchString(line) ||
		reItemNumPrefix.MatchString(line) ||
		isSeparatorLine(line) ||
		isFooterLine(line)
}

// parseItemLine rejects known non-item shapes, then applies the layered
// parsers in order: one-shot regex, column split, loose whole-line search.
func parseItemLine(line string) *entity.LineItem {
	if excludedItemLine(line) {
		return nil
	}

	if item := parseSingleRegex(line); item != nil {
		return validateItem(item)
	}
	if item := parseColumns(line); item != nil {
		return validateItem(item)
	}
	if item := parseLoose(line); item != nil {
		return validateItem(item)
	}
	return nil
}

func excludedItemLine(line string) bool {
	return isSeparatorLine(line) ||
		isAddressLine(line) ||
		isPhoneLine(line) ||
		isTaxMarkerLine(line) ||
		isDateLine(line) ||
		isReferenceLine(line)
}

type rawItem struct {
	name  string
	qty   *int
	price *float64
}

func parseSingleRegex(line string) *rawItem {
	m := reNameQtyPrice.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	qty, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	price := parseAmount(m[3])
	if price == nil {
		return nil
	}
	return &rawItem{name: m[1], qty: &qty, price: price}
}

// parseColumns splits on runs of two or more spaces (or tabs): price is the
// right-most decimal-looking column, quantity the integer column immediately
// before it, name everything to the left.
func parseColumns(line string) *rawItem {
	cols := reColumnSplit.Split(strings.TrimSpace(line), -1)
	if len(cols) < 2 {
		return nil
	}

	priceIdx := -1
	for i := len(cols) - 1; i >= 0; i-- {
		if reDecimalCol.MatchString(strings.TrimSpace(cols[i])) {
			priceIdx = i
			break
		}
	}
	if priceIdx <= 0 {
		return nil
	}
	price := parseAmount(strings.TrimLeft(strings.TrimSpace(cols[priceIdx]), "$£€₱"))
	if price == nil {
		return nil
	}

	item := &rawItem{price: price}
	nameEnd := priceIdx
	if priceIdx >= 1 && reIntegerCol.MatchString(strings.TrimSpace(cols[priceIdx-1])) {
		qty, err := strconv.Atoi(strings.TrimSpace(cols[priceIdx-1]))
		if err == nil {
			item.qty = &qty
			nameEnd = priceIdx - 1
		}
	}
	if nameEnd == 0 {
		return nil
	}
	item.name = strings.Join(cols[:nameEnd], " ")
	return item
}

// parseLoose searches the whole line independently for a bare integer and a
// decimal, deriving the name by stripping both matches.
func parseLoose(line string) *rawItem {
	priceMatch := reAnyDecimal.FindString(line)
	if priceMatch == "" {
		return nil
	}
	price := parseAmount(strings.TrimLeft(priceMatch, "$£€₱"))
	if price == nil {
		return nil
	}

	rest := strings.Replace(line, priceMatch, " ", 1)
	item := &rawItem{price: price}
	if m := reBareInteger.FindStringSubmatch(rest); m != nil {
		if qty, err := strconv.Atoi(m[1]); err == nil {
			item.qty = &qty
			rest = strings.Replace(rest, m[1], " ", 1)
		}
	}
	item.name = reNoiseSymbols.ReplaceAllString(rest, " ")
	return item
}

// validateItem applies the sanity bounds: out-of-range quantity or price
// drops the field, not the item; an item survives only with a usable name
// and a valid price, and never with a metadata-shaped name.
func validateItem(raw *rawItem) *entity.LineItem {
	if raw.qty != nil && (*raw.qty < 1 || *raw.qty > 999) {
		raw.qty = nil
	}
	if raw.price != nil && (*raw.price <= 0 || *raw.price >= 1000000) {
		raw.price = nil
	}
	if raw.price == nil {
		return nil
	}

	name := cleanName(raw.name)
	if len(name) < 3 || len(name) >= 100 {
		return nil
	}
	if isMetadataName(name) {
		return nil
	}
	return &entity.LineItem{Name: name, Quantity: raw.qty, Price: raw.price}
}
