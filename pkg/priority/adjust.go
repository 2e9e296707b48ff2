// SPDX-License-Identifier: AGPL-3.0-only

package priority

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/dskit/flagext"
)

// Signals are the runtime conditions Adjust takes into account.
type Signals struct {
	MarketOpen      bool
	HasActiveOrders bool
	UserInitiated   bool
}

// SignalsProvider supplies the current Signals, e.g. from UI or session state.
type SignalsProvider interface {
	Signals() Signals
}

// Adjust re-ranks base using signals. It moves a priority by at most one tier and never
// produces Critical: Critical stays Critical, High drops to Normal outside market hours
// when there are no open orders, Normal rises to High when there are open orders and
// Low rises to Normal for user-initiated calls.
func Adjust(base Priority, s Signals) Priority {
	switch base {
	case Critical:
		return Critical
	case High:
		if !s.MarketOpen && !s.HasActiveOrders {
			return Normal
		}
		return High
	case Normal:
		if s.HasActiveOrders {
			return High
		}
		return Normal
	case Low:
		if s.UserInitiated {
			return Normal
		}
		return Low
	default:
		return Low
	}
}

// MarketHoursConfig describes the exchange trading session.
type MarketHoursConfig struct {
	Location string                 `yaml:"location"`
	Open     string                 `yaml:"open"`
	Close    string                 `yaml:"close"`
	Weekdays flagext.StringSliceCSV `yaml:"weekdays"`
}

func (cfg *MarketHoursConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.Weekdays = []string{"mon", "tue", "wed", "thu", "fri"}

	f.StringVar(&cfg.Location, prefix+"location", "Asia/Kolkata", "IANA time zone of the exchange.")
	f.StringVar(&cfg.Open, prefix+"open", "09:15", "Session open time (HH:MM) in the exchange time zone.")
	f.StringVar(&cfg.Close, prefix+"close", "15:30", "Session close time (HH:MM) in the exchange time zone.")
	f.Var(&cfg.Weekdays, prefix+"weekdays", "Comma-separated list of trading weekdays (sun, mon, ..., sat).")
}

// MarketHours answers whether the market is open at a given instant.
type MarketHours struct {
	loc         *time.Location
	open, close time.Duration // Offsets from local midnight.
	days        map[time.Weekday]bool
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func NewMarketHours(cfg MarketHoursConfig) (*MarketHours, error) {
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid market location %q: %w", cfg.Location, err)
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("invalid market open time: %w", err)
	}
	closing, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("invalid market close time: %w", err)
	}
	if closing <= open {
		return nil, fmt.Errorf("market close %s must be after open %s", cfg.Close, cfg.Open)
	}

	days := map[time.Weekday]bool{}
	for _, d := range cfg.Weekdays {
		name := strings.ToLower(strings.TrimSpace(d))
		if len(name) > 3 {
			name = name[:3]
		}
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %q", d)
		}
		days[wd] = true
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("at least one trading weekday is required")
	}

	return &MarketHours{loc: loc, open: open, close: closing, days: days}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsOpen reports whether t falls inside a trading session. The close instant is excluded.
func (m *MarketHours) IsOpen(t time.Time) bool {
	local := t.In(m.loc)
	if !m.days[local.Weekday()] {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	offset := local.Sub(midnight)
	return offset >= m.open && offset < m.close
}
