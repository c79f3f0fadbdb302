package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reLabeledTotal    = regexp.MustCompile(`(?i)\b(?:grand\s+)?(?:total|amount(?:\s+due)?|sum)\b[^0-9]*[$£€₱]?\s*(\d{1,3}(?:,\d{3})*\.\d{2}|\d+\.\d{2})`)
	reSubTotal        = regexp.MustCompile(`(?i)\bsub\s*total\b`)
	reStandaloneTotal = regexp.MustCompile(`^\s*[$£€₱]?\s*(\d{1,5}(?:,\d{3})*\.\d{2})\s*$`)
)

// extractTotalAmount scans lines from the bottom of the document upward,
// where totals live, preferring labeled amounts and falling back to a
// standalone two-decimal number.
func extractTotalAmount(lines []string) *float64 {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]

		if !reSubTotal.MatchString(line) {
			if m := reLabeledTotal.FindStringSubmatch(line); m != nil {
				if v := parseAmount(m[1]); v != nil && *v > 0 && *v < 1000000 {
					return v
				}
			}
		}

		if m := reStandaloneTotal.FindStringSubmatch(line); m != nil {
			if v := parseAmount(m[1]); v != nil && *v > 0 && *v < 100000 {
				return v
			}
		}
	}
	return nil
}

func parseAmount(s string) *float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return nil
	}
	return &v
}
