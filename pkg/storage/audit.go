package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AppendAudit records ev. Missing ids and timestamps are filled in.
func (d *DB) AppendAudit(ctx context.Context, ev AuditEvent) (AuditEvent, error) {
	ev = ev.withDefaults()
	return ev, d.Append(ctx, "audit_events", auditRow(ev))
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, ev AuditEvent) (AuditEvent, error) {
	ev = ev.withDefaults()
	return ev, appendRow(ctx, tx, "audit_events", auditRow(ev))
}

func (ev AuditEvent) withDefaults() AuditEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Actor == "" {
		ev.Actor = ActorSystem
	}
	return ev
}

func auditRow(ev AuditEvent) Row {
	return Row{
		"id":            ev.ID,
		"resource_id":   ev.ResourceID,
		"resource_kind": ev.ResourceKind,
		"event_type":    ev.EventType,
		"actor":         string(ev.Actor),
		"reason":        nullIfEmpty(ev.Reason),
		"before_json":   rawOrNil(ev.Before),
		"after_json":    rawOrNil(ev.After),
		"occurred_at":   formatTime(ev.OccurredAt),
	}
}

func rawOrNil(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func decodeAudit(r Row) AuditEvent {
	ev := AuditEvent{
		ID:           asString(r["id"]),
		ResourceID:   asString(r["resource_id"]),
		ResourceKind: asString(r["resource_kind"]),
		EventType:    asString(r["event_type"]),
		Actor:        Actor(asString(r["actor"])),
		Reason:       asString(r["reason"]),
		OccurredAt:   parseTime(r["occurred_at"]),
	}
	if s := asString(r["before_json"]); s != "" {
		ev.Before = json.RawMessage(s)
	}
	if s := asString(r["after_json"]); s != "" {
		ev.After = json.RawMessage(s)
	}
	return ev
}

// AuditQuery selects audit events, newest first.
type AuditQuery struct {
	ResourceID string
	Kind       string
	Since      time.Time
	Limit      int // defaults to 50
}

// ListAudit returns the most recent audit events matching q.
func (d *DB) ListAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	f := Filter{OrderBy: "occurred_at", Desc: true, Limit: q.Limit}
	if q.ResourceID != "" {
		f.Where = append(f.Where, Eq("resource_id", q.ResourceID))
	}
	if q.Kind != "" {
		f.Where = append(f.Where, Eq("resource_kind", q.Kind))
	}
	if !q.Since.IsZero() {
		f.Where = append(f.Where, Gte("occurred_at", formatTime(q.Since)))
	}
	rows, err := d.Get(ctx, "audit_events", f)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, decodeAudit(r))
	}
	return out, nil
}
