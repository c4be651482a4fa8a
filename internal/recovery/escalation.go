package recovery

import (
	"context"

	"github.com/google/uuid"

	"agentd/internal/eventbus"
	"agentd/internal/failure"
	"agentd/pkg/logx"
)

// escalate isolates the plugin, records an admin notification and writes
// an incident report. It returns the incident id.
func (d *Dispatcher) escalate(ctx context.Context, host Host, ev failure.Event, reason string) string {
	log := d.log.With(logx.String("plugin", ev.Plugin), logx.String("failure_id", ev.ID))
	now := d.now().UTC()

	host.Isolate(ev.Plugin, reason)

	in := Incident{
		ID:        uuid.NewString(),
		Plugin:    ev.Plugin,
		CreatedAt: now,
		Reason:    reason,
		Trigger:   ev,
	}
	related, err := d.history.Failures(ctx, FailureQuery{Plugin: ev.Plugin, Since: now.Add(-d.cfg.Severity.Window)})
	if err != nil {
		log.Warn("recovery.incident_failures_unavailable", logx.Err(err))
	}
	for _, r := range related {
		if r.ID != ev.ID {
			in.Related = append(in.Related, r)
		}
	}
	in.RecentActions, err = d.history.Actions(ctx, ev.Plugin, d.cfg.HistoryLimit)
	if err != nil {
		log.Warn("recovery.incident_actions_unavailable", logx.Err(err))
	}
	if err := d.history.SaveIncident(ctx, in); err != nil {
		log.Error("recovery.incident_persist_failed", logx.Err(err))
	}

	n := AdminNotification{
		ID:         uuid.NewString(),
		Type:       NotificationEscalation,
		Plugin:     ev.Plugin,
		Severity:   ev.Severity,
		Kind:       ev.Kind,
		Message:    failure.Describe(ev) + " (" + reason + ")",
		FailureID:  ev.ID,
		IncidentID: in.ID,
		Timestamp:  now,
	}
	if err := d.history.AppendNotification(ctx, n); err != nil {
		log.Error("recovery.notification_persist_failed", logx.Err(err))
	}
	if d.alerter != nil {
		if err := d.alerter.Alert(ctx, n); err != nil {
			log.Warn("recovery.alert_failed", logx.Err(err))
		}
	}
	if d.observer != nil {
		d.observer.ObserveEscalation(ev.Plugin, ev.Severity)
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.RecoveryEscalated, Data: n})

	log.Error("recovery.escalated",
		logx.String("incident_id", in.ID),
		logx.String("severity", string(ev.Severity)),
		logx.String("reason", reason),
		logx.Int("related_failures", len(in.Related)),
	)
	return in.ID
}
