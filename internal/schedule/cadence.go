package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cadenceParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cadence is a parsed cadence expression: a five-field cron expression or a
// descriptor such as @daily or @every 6h. Times are evaluated in UTC.
type Cadence struct {
	expr     string
	schedule cron.Schedule
}

// ParseCadence parses a cadence expression
func ParseCadence(expr string) (*Cadence, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cadence expression is required")
	}
	s, err := cadenceParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cadence %q: %w", expr, err)
	}
	return &Cadence{expr: expr, schedule: s}, nil
}

// Next returns the first activation strictly after t
func (c *Cadence) Next(t time.Time) time.Time {
	return c.schedule.Next(t.UTC())
}

func (c *Cadence) String() string {
	return c.expr
}
