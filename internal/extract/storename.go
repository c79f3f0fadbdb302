package extract

import (
	"regexp"
	"strings"
)

var reStoreKeyword = regexp.MustCompile(`(?i)\b(?:store|market|restaurant|shop|supermarket|grocery)\b`)

// extractStoreName resolves the merchant name. Strategy order:
//  1. line following a tax-identifier marker in the raw text
//  2. the same marker search over lines reconstructed from the top of the page
//  3. the first plausible reconstructed top line
//  4. raw-text keyword / length scan when no geometry is available
func (e *Engine) extractStoreName(lines []string, words []Word) *string {
	if name := nameAfterTaxMarker(lines); name != nil {
		return name
	}

	top := e.topLines(words)
	if len(top) > 0 {
		topTexts := make([]string, len(top))
		for i, ln := range top {
			topTexts[i] = ln.text
		}
		if name := nameAfterTaxMarker(topTexts); name != nil {
			return name
		}
		if name := e.nameFromTopLines(top); name != nil {
			return name
		}
		return nil
	}

	return nameFromRawHeader(lines)
}

// nameAfterTaxMarker finds a TIN / Tax ID marker line and accepts the line
// immediately after it when it looks like a merchant name.
func nameAfterTaxMarker(lines []string) *string {
	for i, line := range lines {
		if !isTaxMarkerLine(line) || i+1 >= len(lines) {
			continue
		}
		candidate := strings.TrimSpace(lines[i+1])
		if plausibleStoreName(candidate) {
			name := cleanName(candidate)
			if name != "" {
				return &name
			}
		}
	}
	return nil
}

func plausibleStoreName(line string) bool {
	if len(line) < 3 || len(line) > 60 {
		return false
	}
	if isDateLine(line) || isTotalLine(line) || isTaxMarkerLine(line) || isPhoneLine(line) {
		return false
	}
	if isFooterLine(line) {
		return false
	}
	return true
}

// nameFromTopLines scans the first five reconstructed top lines, preferring
// one whose words are high-confidence or that sits within the first two
// lines of the page.
func (e *Engine) nameFromTopLines(top []reconstructedLine) *string {
	type candidate struct {
		text      string
		preferred bool
	}
	var candidates []candidate

	limit := len(top)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		line := top[i].text
		if !plausibleStoreName(line) || isReferenceLine(line) || isAddressLine(line) || isSeparatorLine(line) {
			continue
		}
		candidates = append(candidates, candidate{
			text:      line,
			preferred: top[i].confidence > e.cfg.HighConfidence || i < 2,
		})
	}
	for _, c := range candidates {
		if c.preferred {
			if name := cleanName(c.text); name != "" {
				return &name
			}
		}
	}
	for _, c := range candidates {
		if name := cleanName(c.text); name != "" {
			return &name
		}
	}
	return nil
}

// nameFromRawHeader handles the geometry-free case: scan the first five raw
// lines for a store-ish keyword, else take any header-sized line.
func nameFromRawHeader(lines []string) *string {
	limit := len(lines)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		if reStoreKeyword.MatchString(lines[i]) && plausibleStoreName(lines[i]) {
			if name := cleanName(lines[i]); name != "" {
				return &name
			}
		}
	}
	for i := 0; i < limit; i++ {
		line := lines[i]
		if len(line) <= 5 || len(line) >= 50 {
			continue
		}
		if !plausibleStoreName(line) {
			continue
		}
		if name := cleanName(line); name != "" {
			return &name
		}
	}
	return nil
}
