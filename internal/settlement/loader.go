package settlement

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// holidayFile is the on-disk layout:
//
//	holidays:
//	  USD: ["2027-01-01", "2027-01-18"]
//	  CHF: ["2027-08-01"]
type holidayFile struct {
	Holidays map[string][]string `yaml:"holidays"`
}

// LoadHolidayFile reads a YAML holiday table. Every date must be YYYY-MM-DD.
func LoadHolidayFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading holiday file: %w", err)
	}
	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing holiday file: %w", err)
	}
	out := make(map[string][]string, len(f.Holidays))
	total := 0
	for ccy, dates := range f.Holidays {
		ccy = strings.ToUpper(strings.TrimSpace(ccy))
		for _, d := range dates {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return nil, fmt.Errorf("holiday %s %q: %w", ccy, d, err)
			}
			out[ccy] = append(out[ccy], d)
			total++
		}
	}
	log.Printf("[settlement] loaded %d holidays for %d currencies from %s", total, len(out), path)
	return out, nil
}
