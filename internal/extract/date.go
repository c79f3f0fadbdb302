package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Date shapes in resolution order. Each pattern captures only the date part;
// labels and trailing times are stripped by the capture groups.
var (
	reLabeledNumericDate = regexp.MustCompile(`(?i)\b(?:date|dated|issued)\b[:\s]*(\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4})(?:\s+\d{1,2}:\d{2}(?::\d{2})?(?:\s*[AP]M)?)?`)
	reBareNumericDate    = regexp.MustCompile(`\b(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})\b(?:\s+\d{1,2}:\d{2}(?::\d{2})?(?:\s*[AP]M)?)?`)
	reISODate            = regexp.MustCompile(`\b(\d{4})[/-](\d{1,2})[/-](\d{1,2})\b`)
	reMonthDayYear       = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2}),?\s+(\d{4})\b`)
	reDayMonthYear       = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
)

var monthsByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// extractPurchaseDate scans lines in document order and returns the first
// date that decodes to a valid calendar day within the accepted year range.
func extractPurchaseDate(lines []string) *time.Time {
	for _, line := range lines {
		if d := dateFromLine(line); d != nil {
			return d
		}
	}
	return nil
}

func dateFromLine(line string) *time.Time {
	if m := reLabeledNumericDate.FindStringSubmatch(line); m != nil {
		if d := parseDayFirst(m[1]); d != nil {
			return d
		}
	}
	if m := reBareNumericDate.FindStringSubmatch(line); m != nil {
		if d := parseDayFirst(m[1]); d != nil {
			return d
		}
	}
	if m := reISODate.FindStringSubmatch(line); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if t := validDate(y, mo, d); t != nil {
			return t
		}
	}
	if m := reMonthDayYear.FindStringSubmatch(line); m != nil {
		mo := monthsByPrefix[strings.ToLower(m[1])]
		d, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if t := validDate(y, int(mo), d); t != nil {
			return t
		}
	}
	if m := reDayMonthYear.FindStringSubmatch(line); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo := monthsByPrefix[strings.ToLower(m[2])]
		y, _ := strconv.Atoi(m[3])
		if t := validDate(y, int(mo), d); t != nil {
			return t
		}
	}
	return nil
}

// parseDayFirst decodes a slash/dash/dot numeric date assuming day/month/year
// ordering, normalizing 2-digit years into the 1950-2049 window.
func parseDayFirst(s string) *time.Time {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '-' || r == '.'
	})
	if len(parts) != 3 {
		return nil
	}
	day, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	year, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	if year < 100 {
		if year < 50 {
			year += 2000
		} else {
			year += 1900
		}
	}
	return validDate(year, month, day)
}

// validDate rejects impossible calendar dates and years outside
// [2000, currentYear+1].
func validDate(year, month, day int) *time.Time {
	if year < 2000 || year > time.Now().Year()+1 {
		return nil
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Overflowed days roll over into the next month; reject those.
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return nil
	}
	return &t
}
