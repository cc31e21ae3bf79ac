package invoice

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLocale decides how all-numeric day/month dates such as 01/02/2024 are
// read. One locale applies to a whole run; it is never guessed per record.
type DateLocale string

const (
	// LocaleUS reads 01/02/2024 as January 2nd
	LocaleUS DateLocale = "US"
	// LocaleEU reads 01/02/2024 as February 1st
	LocaleEU DateLocale = "EU"
)

// ParseDateLocale accepts "US" or "EU"; empty means US
func ParseDateLocale(s string) (DateLocale, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(LocaleUS):
		return LocaleUS, nil
	case string(LocaleEU):
		return LocaleEU, nil
	}
	return "", fmt.Errorf("unknown date locale %q", s)
}

// ISODate is the layout dates are normalized to
const ISODate = "2006-01-02"

var unambiguousLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

var abbreviatedMonth = regexp.MustCompile(`([A-Za-z])\.`)

var numericLayouts = map[DateLocale][]string{
	LocaleUS: {"1/2/2006", "1-2-2006", "1.2.2006"},
	LocaleEU: {"2/1/2006", "2-1-2006", "2.1.2006"},
}

// ParseDate tries the accepted layouts in a fixed order and returns the first
// that parses.
func ParseDate(s string, locale DateLocale) (time.Time, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "."))
	s = strings.Join(strings.Fields(s), " ")
	s = abbreviatedMonth.ReplaceAllString(s, "$1")
	s = strings.Replace(s, "Sept ", "Sep ", 1)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if locale == "" {
		locale = LocaleUS
	}

	layouts := append(append([]string{}, unambiguousLayouts...), numericLayouts[locale]...)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// NormalizeDate renders a parseable date as YYYY-MM-DD and leaves anything
// else untouched.
func NormalizeDate(s string, locale DateLocale) string {
	t, err := ParseDate(s, locale)
	if err != nil {
		return s
	}
	return t.Format(ISODate)
}

var (
	currencyAffix  = regexp.MustCompile(`^(?:[A-Z]{3}|[$€£¥])\s*|\s*(?:[A-Z]{3}|[$€£¥])$`)
	thousandsComma = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
	decimalComma   = regexp.MustCompile(`^-?\d+,\d{1,2}$`)
)

// ParseAmount reads a money amount, ignoring a leading or trailing currency
// symbol or ISO code and thousands separators.
func ParseAmount(s string) (decimal.Decimal, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	for {
		stripped := strings.TrimSpace(currencyAffix.ReplaceAllString(v, ""))
		if stripped == v {
			break
		}
		v = stripped
	}

	switch {
	case thousandsComma.MatchString(v):
		v = strings.ReplaceAll(v, ",", "")
	case decimalComma.MatchString(v):
		v = strings.Replace(v, ",", ".", 1)
	}

	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unrecognized amount %q", s)
	}
	return d, nil
}

// NormalizeAmount renders a parseable amount with two decimals and leaves
// anything else untouched.
func NormalizeAmount(s string) string {
	d, err := ParseAmount(s)
	if err != nil {
		return s
	}
	return d.StringFixed(2)
}

// NormalizeText trims and collapses runs of whitespace
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
