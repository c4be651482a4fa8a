package storage

import (
	"sort"
	"time"

	"agentd/internal/failure"
	"agentd/internal/recovery"
)

// selectFailures applies q to evs and returns matches newest first.
func selectFailures(evs []failure.Event, q recovery.FailureQuery) []failure.Event {
	out := make([]failure.Event, 0, len(evs))
	for _, ev := range evs {
		if q.Plugin != "" && ev.Plugin != q.Plugin {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// selectActions keeps actions for plugin in chronological order, trimmed
// to the newest limit.
func selectActions(all []recovery.Action, plugin string, limit int) []recovery.Action {
	out := make([]recovery.Action, 0, len(all))
	for _, a := range all {
		if plugin == "" || a.Plugin == plugin {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func newestNotifications(all []recovery.AdminNotification, limit int) []recovery.AdminNotification {
	out := make([]recovery.AdminNotification, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func partitionBefore(evs []failure.Event, before time.Time) (keep []failure.Event, removed int) {
	keep = evs[:0:0]
	for _, ev := range evs {
		if ev.Timestamp.Before(before) {
			removed++
			continue
		}
		keep = append(keep, ev)
	}
	return keep, removed
}
