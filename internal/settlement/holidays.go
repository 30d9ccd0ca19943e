package settlement

import "time"

type monthDay struct {
	month time.Month
	day   int
}

// Settlement holidays for 2026 per currency.
// Source: Fed, TARGET2, Bank of England and Bank of Japan calendars.
var holidays2026 = map[string][]monthDay{
	"USD": {
		{time.January, 1},    // New Year
		{time.January, 19},   // MLK Day
		{time.February, 16},  // Presidents Day
		{time.May, 25},       // Memorial Day
		{time.July, 4},       // Independence Day
		{time.September, 7},  // Labor Day
		{time.November, 26},  // Thanksgiving
		{time.December, 25},  // Christmas
	},
	"EUR": {
		{time.January, 1},
		{time.April, 10}, // Good Friday
		{time.April, 13}, // Easter Monday
		{time.May, 1},
		{time.December, 25},
		{time.December, 26},
	},
	"GBP": {
		{time.January, 1},
		{time.April, 10},
		{time.April, 13},
		{time.May, 4},     // Early May bank holiday
		{time.May, 25},    // Spring bank holiday
		{time.August, 31}, // Summer bank holiday
		{time.December, 25},
		{time.December, 26},
	},
	"JPY": {
		{time.January, 1},
		{time.January, 12},
		{time.February, 11},
		{time.February, 23},
		{time.March, 20},
		{time.April, 29},
		{time.May, 3},
		{time.May, 4},
		{time.May, 5},
		{time.July, 20},
		{time.August, 11},
		{time.September, 21},
		{time.September, 22},
		{time.October, 12},
		{time.November, 3},
		{time.November, 23},
		{time.December, 23},
	},
}

// DefaultHolidays returns the built-in holiday table keyed by currency.
func DefaultHolidays() map[string][]string {
	out := make(map[string][]string, len(holidays2026))
	for ccy, days := range holidays2026 {
		keys := make([]string, 0, len(days))
		for _, h := range days {
			keys = append(keys, dateKey(2026, h.month, h.day))
		}
		out[ccy] = keys
	}
	return out
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

func dayKey(t time.Time) string {
	return dateKey(t.Year(), t.Month(), t.Day())
}
