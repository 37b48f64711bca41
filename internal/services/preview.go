package services

import "ricorrente/internal/core"

// DefaultPreviewCount is how many upcoming dates a preview returns when the
// caller does not ask for a specific number.
const DefaultPreviewCount = 6

// Preview returns the next count occurrence dates of def strictly after
// today, honoring the end date. It never consults the ledger: the answer is
// "when would this fire", not "what is missing". A definition whose start
// date is still in the future previews from its start date.
func Preview(def core.Definition, today core.Date, count int) ([]core.Date, error) {
	if def.Schedule == nil {
		return nil, core.ErrUnknownKind
	}
	if count < 1 {
		count = DefaultPreviewCount
	}

	upcoming := make([]core.Date, 0, count)
	cur := def.StartDate
	if cur.After(today) {
		upcoming = append(upcoming, cur)
	}
	for len(upcoming) < count {
		next := def.Schedule.Next(cur)
		if !next.After(cur) {
			break
		}
		cur = next
		if !cur.After(today) {
			continue
		}
		if !def.EndDate.IsZero() && cur.After(def.EndDate) {
			break
		}
		upcoming = append(upcoming, cur)
	}
	return upcoming, nil
}
