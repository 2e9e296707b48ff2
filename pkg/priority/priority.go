// SPDX-License-Identifier: AGPL-3.0-only

package priority

import (
	"fmt"
	"strings"
)

// Priority is the importance tier of an outbound call. Higher values are dispatched first.
type Priority int

const (
	Low Priority = iota + 1
	Normal
	High
	// Critical is reserved for order placement, modification and cancellation.
	Critical
)

var names = map[Priority]string{
	Low:      "low",
	Normal:   "normal",
	High:     "high",
	Critical: "critical",
}

func (p Priority) String() string {
	if n, ok := names[p]; ok {
		return n
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) IsValid() bool {
	return p >= Low && p <= Critical
}

// Parse returns the Priority with the given name, case-insensitive.
func Parse(s string) (Priority, error) {
	for p, n := range names {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

func (p *Priority) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// All lists the tiers from highest to lowest.
func All() []Priority {
	return []Priority{Critical, High, Normal, Low}
}
