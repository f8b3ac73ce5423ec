package availability

import (
	"fmt"

	"freebusy/internal/apperr"
	"freebusy/internal/models"
)

// CheckConflicts reports, for each window, the events it overlaps. A window
// and an event conflict iff window.Start < event.End && window.End > event.Start,
// so intervals that merely touch are free. The call is rejected as a whole if
// any window is empty or inverted.
func CheckConflicts(windows []models.TimeWindow, events []models.Event) ([]models.WindowResult, error) {
	for i, w := range windows {
		if !w.Valid() {
			return nil, apperr.New(apperr.InvalidWindow,
				fmt.Sprintf("window %d (%s - %s) must end after it starts", i, w.Start.Format(timeLayout), w.End.Format(timeLayout)), nil)
		}
	}

	results := make([]models.WindowResult, 0, len(windows))
	for _, w := range windows {
		conflicts := []models.Event{}
		for _, ev := range events {
			if w.Overlaps(ev.Start, ev.End) {
				conflicts = append(conflicts, ev)
			}
		}
		results = append(results, models.WindowResult{
			Window:    w,
			Available: len(conflicts) == 0,
			Conflicts: conflicts,
		})
	}
	return results, nil
}
