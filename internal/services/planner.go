// Package services holds the scheduling engine: the backfill planner, the
// preview calculator and the generation executor that turns recurring
// definitions into concrete transactions.
package services

import (
	"fmt"

	"ricorrente/internal/core"
)

// MissingDates returns every occurrence date of def that is due on or before
// today and not yet recorded in the ledger, oldest first. The optional end
// date bounds the walk; dates already ledgered are skipped without stopping
// it. At most max dates are returned; a capped pass picks up the remainder
// on the next invocation.
func MissingDates(def core.Definition, today core.Date, max int) ([]core.Date, error) {
	if def.Schedule == nil {
		return nil, core.ErrUnknownKind
	}
	if max < 1 {
		return nil, fmt.Errorf("invalid backfill cap %d", max)
	}

	bound := today
	if !def.EndDate.IsZero() && def.EndDate.Before(bound) {
		bound = def.EndDate
	}
	if def.StartDate.After(bound) {
		return nil, nil
	}

	// Ledgered dates count against the walk length but not against the cap,
	// so a long-lived definition can always reach its frontier.
	maxSteps := max + len(def.Ledger)

	var missing []core.Date
	cur := def.StartDate
	for i := 0; i <= maxSteps; i++ {
		if cur.After(bound) {
			break
		}
		if !def.Ledgered(cur) {
			missing = append(missing, cur)
			if len(missing) == max {
				break
			}
		}
		next := def.Schedule.Next(cur)
		if !next.After(cur) {
			return nil, fmt.Errorf("schedule %q does not advance from %s", def.Schedule.Kind(), cur)
		}
		cur = next
	}
	return missing, nil
}
