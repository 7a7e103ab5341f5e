package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical calendar date format
const DateLayout = "2006-01-02"

// monthNames maps German and English month names, full and abbreviated, to months
var monthNames = map[string]time.Month{
	"januar": time.January, "january": time.January, "jan": time.January, "jän": time.January, "jänner": time.January,
	"februar": time.February, "february": time.February, "feb": time.February,
	"märz": time.March, "maerz": time.March, "march": time.March, "mär": time.March, "mrz": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"mai": time.May, "may": time.May,
	"juni": time.June, "june": time.June, "jun": time.June,
	"juli": time.July, "july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"oktober": time.October, "october": time.October, "okt": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"dezember": time.December, "december": time.December, "dez": time.December, "dec": time.December,
}

var (
	namedMonthDate = regexp.MustCompile(`(\d{1,2})\.?\s+(\p{L}+)\.?\s+(\d{4})`)
	shortDotDate   = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{2})$`)
)

// genericLayouts are tried in order once the named-month and two-digit-year
// forms have failed. Month-first slash dates win over day-first ones.
var genericLayouts = []string{
	DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006",
	"2.1.2006",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02/01/2006",
	"02-01-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2 2006",
	"Jan 2 2006",
}

// ParseDate normalizes a free-form date to YYYY-MM-DD. Unrecognized input
// yields the current date.
func ParseDate(s string) string {
	return ParseDateAt(s, time.Now())
}

// ParseDateAt is ParseDate with an explicit fallback date.
func ParseDateAt(s string, now time.Time) string {
	if d, ok := LookupDate(s); ok {
		return d
	}
	return now.Format(DateLayout)
}

// LookupDate normalizes s to YYYY-MM-DD and reports whether a date was
// recognized.
func LookupDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if m := namedMonthDate.FindStringSubmatch(s); m != nil {
		if month, ok := monthNames[strings.ToLower(m[2])]; ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			if d, ok := calendarDate(year, month, day); ok {
				return d, true
			}
		}
	}

	if m := shortDotDate.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		yy, _ := strconv.Atoi(m[3])
		if d, ok := calendarDate(expandYear(yy), time.Month(month), day); ok {
			return d, true
		}
	}

	for _, layout := range genericLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout), true
		}
	}

	return "", false
}

// expandYear pivots a two-digit year: below 50 is 20yy, otherwise 19yy.
func expandYear(yy int) int {
	if yy < 50 {
		return 2000 + yy
	}
	return 1900 + yy
}

func calendarDate(year int, month time.Month, day int) (string, bool) {
	if month < time.January || month > time.December || day < 1 {
		return "", false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return "", false
	}
	return t.Format(DateLayout), true
}
