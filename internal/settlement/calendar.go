// Package settlement computes trade settlement dates from business-day
// conventions and per-currency holiday calendars.
package settlement

import (
	"strings"
	"sync"
	"time"

	"tradedesk/internal/model"
)

// DefaultDays is the standard T+2 convention.
const DefaultDays = 2

// maxScan bounds the day walk so a bad table can never loop forever.
const maxScan = 60

// Calendar resolves settlement dates. Safe for concurrent use.
type Calendar struct {
	days int

	mu         sync.RWMutex
	holidays   map[string]map[string]bool // ccy -> "YYYY-MM-DD"
	currencies map[string]string          // symbol -> ccy override for non-FX symbols
}

// New creates a calendar with the given business-day offset and holiday table
// (currency -> list of YYYY-MM-DD). A nil table means weekends only.
func New(days int, table map[string][]string) *Calendar {
	if days <= 0 {
		days = DefaultDays
	}
	c := &Calendar{
		days:       days,
		holidays:   make(map[string]map[string]bool),
		currencies: make(map[string]string),
	}
	c.Merge(table)
	return c
}

// NewDefault returns a T+2 calendar loaded with the built-in table.
func NewDefault() *Calendar {
	return New(DefaultDays, DefaultHolidays())
}

// Days returns the business-day offset.
func (c *Calendar) Days() int { return c.days }

// Merge adds holidays to the table.
func (c *Calendar) Merge(table map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ccy, dates := range table {
		ccy = strings.ToUpper(ccy)
		set, ok := c.holidays[ccy]
		if !ok {
			set = make(map[string]bool, len(dates))
			c.holidays[ccy] = set
		}
		for _, d := range dates {
			set[d] = true
		}
	}
}

// SetCurrency assigns a settlement currency to a non-FX symbol.
func (c *Calendar) SetCurrency(symbol, ccy string) {
	c.mu.Lock()
	c.currencies[symbol] = strings.ToUpper(ccy)
	c.mu.Unlock()
}

// IsHoliday reports whether day is a holiday for ccy.
func (c *Calendar) IsHoliday(ccy string, day time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.holidays[strings.ToUpper(ccy)][dayKey(day)]
}

// IsBusinessDay returns true if day is a weekday and not a holiday in any of ccys.
func (c *Calendar) IsBusinessDay(ccys []string, day time.Time) bool {
	wd := day.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := dayKey(day)
	for _, ccy := range ccys {
		if c.holidays[ccy][key] {
			return false
		}
	}
	return true
}

// Currencies returns the currencies whose calendars apply to symbol.
func (c *Calendar) Currencies(symbol string) []string {
	c.mu.RLock()
	ccy := c.currencies[symbol]
	c.mu.RUnlock()
	return model.CurrenciesFor(symbol, ccy)
}

// SettlementDate adds the configured number of business days to tradeDate,
// skipping weekends and any day that is a holiday in either leg.
// The result is midnight in tradeDate's location.
func (c *Calendar) SettlementDate(symbol string, tradeDate time.Time) time.Time {
	ccys := c.Currencies(symbol)
	d := time.Date(tradeDate.Year(), tradeDate.Month(), tradeDate.Day(), 0, 0, 0, 0, tradeDate.Location())
	added := 0
	for i := 0; i < maxScan && added < c.days; i++ {
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(ccys, d) {
			added++
		}
	}
	return d
}

var _ model.SettlementCalculator = (*Calendar)(nil)
