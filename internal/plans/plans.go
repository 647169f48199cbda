// Package plans defines the immutable plan catalog and its limits.
package plans

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// FreePlanID is the plan every user falls back to.
const FreePlanID = "free"

// DefaultWindowSeconds is the rolling audit window shared by the built-in plans (3 days).
const DefaultWindowSeconds = 259200

// ErrUnknownPlan is returned when a plan id has no catalog entry.
var ErrUnknownPlan = errors.New("unknown plan")

// Limit is a plan ceiling. Unlimited (-1) means no ceiling and must never be
// compared numerically.
type Limit int64

// Unlimited is the sentinel for "no ceiling".
const Unlimited Limit = -1

// IsUnlimited reports whether the limit has no ceiling.
func (l Limit) IsUnlimited() bool { return l == Unlimited }

// Allows reports whether one more unit may be consumed after used units.
func (l Limit) Allows(used int) bool {
	if l.IsUnlimited() {
		return true
	}
	return int64(used) < int64(l)
}

// Remaining returns the units left after used, clamped at zero.
func (l Limit) Remaining(used int) Limit {
	if l.IsUnlimited() {
		return Unlimited
	}
	r := int64(l) - int64(used)
	if r < 0 {
		r = 0
	}
	return Limit(r)
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// MarshalJSON encodes unlimited as the string "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.FormatInt(int64(l), 10)), nil
}

// UnmarshalJSON accepts a non-negative number, -1, or "unlimited".
func (l *Limit) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		if val != "unlimited" {
			return fmt.Errorf("invalid limit: %q", val)
		}
		*l = Unlimited
	case float64:
		if val < -1 || val != float64(int64(val)) {
			return fmt.Errorf("invalid limit: %v", val)
		}
		*l = Limit(int64(val))
	default:
		return fmt.Errorf("invalid limit: %v", v)
	}
	return nil
}

// Limits are the ceilings attached to a plan.
type Limits struct {
	MaxSites           Limit `json:"max_sites"`
	MaxAuditsPerWindow Limit `json:"max_audits_per_window"`
	WindowSeconds      int64 `json:"window_seconds"`
}

// Window returns the rolling audit window as a duration.
func (l Limits) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// Plan is a catalog entry.
type Plan struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Limits Limits `json:"limits"`
}

// Defaults returns the built-in catalog entries.
func Defaults() []Plan {
	return []Plan{
		{ID: FreePlanID, Name: "Free", Limits: Limits{MaxSites: 1, MaxAuditsPerWindow: 2, WindowSeconds: DefaultWindowSeconds}},
		{ID: "basic", Name: "Basic", Limits: Limits{MaxSites: 3, MaxAuditsPerWindow: 5, WindowSeconds: DefaultWindowSeconds}},
		{ID: "pro", Name: "Pro", Limits: Limits{MaxSites: 10, MaxAuditsPerWindow: Unlimited, WindowSeconds: DefaultWindowSeconds}},
		{ID: "agency", Name: "Agency", Limits: Limits{MaxSites: Unlimited, MaxAuditsPerWindow: Unlimited, WindowSeconds: DefaultWindowSeconds}},
	}
}

// Catalog is a read-only plan table. It is safe for concurrent use.
type Catalog struct {
	byID  map[string]Plan
	order []string
}

// NewCatalog validates the given plans and builds a catalog preserving their order.
func NewCatalog(list []Plan) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Plan, len(list))}
	for _, p := range list {
		if p.ID == "" {
			return nil, errors.New("plan id is required")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		if p.Limits.MaxSites < Unlimited || p.Limits.MaxAuditsPerWindow < Unlimited {
			return nil, fmt.Errorf("plan %q: limits must be >= -1", p.ID)
		}
		if !p.Limits.MaxAuditsPerWindow.IsUnlimited() && p.Limits.WindowSeconds <= 0 {
			return nil, fmt.Errorf("plan %q: window_seconds must be positive when audits are limited", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	if _, ok := c.byID[FreePlanID]; !ok {
		return nil, fmt.Errorf("catalog must define the %q plan", FreePlanID)
	}
	return c, nil
}

// DefaultCatalog returns a catalog built from Defaults.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(Defaults())
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the plan for id, or ErrUnknownPlan.
func (c *Catalog) Lookup(id string) (Plan, error) {
	p, ok := c.byID[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return p, nil
}

// Free returns the free plan.
func (c *Catalog) Free() Plan {
	return c.byID[FreePlanID]
}

// List returns all plans in catalog order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// DescribeWindow renders a window length for humans, e.g. "259200-second window (3 days)".
func DescribeWindow(seconds int64) string {
	base := fmt.Sprintf("%d-second window", seconds)
	switch {
	case seconds <= 0:
		return base
	case seconds%86400 == 0:
		return fmt.Sprintf("%s (%s)", base, plural(seconds/86400, "day"))
	case seconds%3600 == 0:
		return fmt.Sprintf("%s (%s)", base, plural(seconds/3600, "hour"))
	case seconds%60 == 0:
		return fmt.Sprintf("%s (%s)", base, plural(seconds/60, "minute"))
	}
	return base
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
