package campaign

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Namespace for deterministic task IDs. Expanding the same campaign twice
// yields byte-identical IDs, so an accidental re-expansion produces an exact
// duplicate set instead of doubling the schedule.
var taskNamespace = uuid.MustParse("7f1c3f6a-52d4-4c8e-9a0b-2e6f4de06b51")

// Expand materializes a campaign into its ordered task set.
//
// It iterates calendar days from StartAt to EndAt inclusive, anchored on the
// campaign's start instant, and emits one task per (template, group) pair per
// day at dayAnchor + templateIndex*Interval. Tasks scheduled past EndAt are
// skipped, so the last day may carry only a prefix of the templates.
//
// Expand is pure: same campaign in, same ordered slice out. Empty template or
// group lists and EndAt < StartAt all yield an empty slice, not an error.
func Expand(c *Campaign) []SendTask {
	if len(c.Messages) == 0 || len(c.Groups) == 0 || c.Interval <= 0 {
		return nil
	}
	if c.EndAt.Before(c.StartAt) {
		return nil
	}

	var tasks []SendTask
	for day := c.StartAt; !day.After(c.EndAt); day = day.AddDate(0, 0, 1) {
		for i, text := range c.Messages {
			scheduled := day.Add(time.Duration(i) * c.Interval)
			if scheduled.After(c.EndAt) {
				continue
			}
			for _, group := range c.Groups {
				tasks = append(tasks, SendTask{
					ID:          taskID(c.ID, day, i, group),
					TenantID:    c.TenantID,
					GroupID:     group,
					Text:        text,
					ScheduledAt: scheduled,
					Status:      TaskPending,
				})
			}
		}
	}
	return tasks
}

func taskID(campaignID string, day time.Time, templateIdx int, group string) string {
	key := fmt.Sprintf("%s|%s|%d|%s", campaignID, day.UTC().Format(time.RFC3339), templateIdx, group)
	return uuid.NewSHA1(taskNamespace, []byte(key)).String()
}
