package ralph

import (
	"context"
	"strings"

	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/subagent"
)

var statusPriority = map[string]int{
	store.StatusRunning: 3,
	store.StatusError:   2,
	store.StatusReplied: 1,
	store.StatusIdle:    0,
}

// DisplayStatus returns the highest-priority status among records:
// running, then error, then replied, then idle.
func DisplayStatus(records []subagent.Subagent) string {
	best, bestRank := store.StatusIdle, -1
	for _, rec := range records {
		status := strings.ToLower(strings.TrimSpace(rec.Status))
		rank, ok := statusPriority[status]
		if !ok {
			continue
		}
		if rank > bestRank {
			best, bestRank = status, rank
		}
	}
	return best
}

// GroupStatus returns the display status of the record within records. Only
// supervisors aggregate their group; every other record shows its own status.
func GroupStatus(rec subagent.Subagent, records []subagent.Subagent) string {
	if rec.Role != store.RoleSupervisor || rec.GroupKey == "" {
		return rec.Status
	}
	members := []subagent.Subagent{rec}
	for _, other := range records {
		if other.GroupKey == rec.GroupKey && other.ID != rec.ID && !other.Killed {
			members = append(members, other)
		}
	}
	return DisplayStatus(members)
}

// Describe loads a group and its supervisor's display status.
func (c *Controller) Describe(ctx context.Context, groupKey string) (members []subagent.Subagent, status string, _ error) {
	members, err := c.records.Group(ctx, groupKey)
	if err != nil {
		return nil, "", err
	}
	live := members[:0:0]
	for _, m := range members {
		if !m.Killed {
			live = append(live, m)
		}
	}
	return live, DisplayStatus(live), nil
}
