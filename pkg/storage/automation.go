package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

func automationRow(s AutomationState) Row {
	return Row{
		"campaign_id":     s.CampaignID,
		"user_id":         s.UserID,
		"mode":            string(s.Mode),
		"paused_by":       nullIfEmpty(string(s.PausedBy)),
		"reason":          nullIfEmpty(s.Reason),
		"exceeded":        marshalList(s.Exceeded),
		"transitioned_at": formatTime(s.TransitionedAt),
		"updated_at":      formatTime(s.UpdatedAt),
	}
}

func decodeAutomation(r Row) AutomationState {
	return AutomationState{
		CampaignID:     asString(r["campaign_id"]),
		UserID:         asString(r["user_id"]),
		Mode:           AutomationMode(asString(r["mode"])),
		PausedBy:       Actor(asString(r["paused_by"])),
		Reason:         asString(r["reason"]),
		Exceeded:       unmarshalList(r["exceeded"]),
		TransitionedAt: parseTime(r["transitioned_at"]),
		UpdatedAt:      parseTime(r["updated_at"]),
	}
}

type automationSnapshot struct {
	Mode     AutomationMode `json:"mode"`
	PausedBy Actor          `json:"paused_by,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Exceeded []string       `json:"exceeded,omitempty"`
}

// Snapshot encodes the audit-relevant fields of s.
func (s AutomationState) Snapshot() json.RawMessage {
	b, _ := json.Marshal(automationSnapshot{Mode: s.Mode, PausedBy: s.PausedBy, Reason: s.Reason, Exceeded: s.Exceeded})
	return b
}

// GetAutomation returns the campaign's automation state or ErrNotFound.
func (d *DB) GetAutomation(ctx context.Context, campaignID string) (AutomationState, error) {
	rows, err := d.Get(ctx, "automation_states", Filter{Where: []Predicate{Eq("campaign_id", campaignID)}, Limit: 1})
	if err != nil {
		return AutomationState{}, err
	}
	if len(rows) == 0 {
		return AutomationState{}, &StoreError{Op: "get", Table: "automation_states", Kind: KindNotFound, Err: ErrNotFound}
	}
	return decodeAutomation(rows[0]), nil
}

// ListAutomation returns every stored automation state.
func (d *DB) ListAutomation(ctx context.Context) ([]AutomationState, error) {
	rows, err := d.Get(ctx, "automation_states", Filter{OrderBy: "campaign_id"})
	if err != nil {
		return nil, err
	}
	out := make([]AutomationState, 0, len(rows))
	for _, r := range rows {
		out = append(out, decodeAutomation(r))
	}
	return out, nil
}

// CommitAutomation writes next together with its audit row. expectMode guards
// against a concurrent writer: when the stored mode differs from expectMode
// nothing is written and ErrConflict-kind StoreError is returned. An empty
// expectMode means the row must not exist yet.
func (d *DB) CommitAutomation(ctx context.Context, expectMode AutomationMode, next AutomationState, ev AuditEvent) (AutomationState, error) {
	var committed AutomationState
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := getRows(ctx, tx, "automation_states", Filter{Where: []Predicate{Eq("campaign_id", next.CampaignID)}, Limit: 1})
		if err != nil {
			return err
		}
		var before AutomationState
		if len(rows) > 0 {
			before = decodeAutomation(rows[0])
		}
		if before.Mode != expectMode {
			return errModeConflict
		}
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		row, err := upsertRow(ctx, tx, "automation_states", Row{"campaign_id": next.CampaignID}, automationRow(next))
		if err != nil {
			return err
		}
		committed = decodeAutomation(row)
		ev.ResourceID = next.CampaignID
		ev.ResourceKind = "automation"
		if len(rows) > 0 {
			ev.Before = before.Snapshot()
		}
		ev.After = committed.Snapshot()
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = next.TransitionedAt
		}
		_, err = appendAuditTx(ctx, tx, ev)
		return err
	})
	if errors.Is(err, errModeConflict) {
		return AutomationState{}, &StoreError{Op: "commit", Table: "automation_states", Kind: KindConflict, Err: err}
	}
	return committed, wrap("commit", "automation_states", err)
}

var errModeConflict = errors.New("automation mode changed concurrently")

// IsConflict reports whether err is a lost optimistic-concurrency race.
func IsConflict(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindConflict
}
