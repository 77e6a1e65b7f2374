package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

func promptRow(p UpgradePrompt) Row {
	return Row{
		"id":             p.ID,
		"user_id":        p.UserID,
		"campaign_id":    nullIfEmpty(p.CampaignID),
		"trigger_type":   p.TriggerType,
		"trigger_event":  p.TriggerEvent,
		"current_tier":   p.CurrentTier,
		"suggested_tier": p.SuggestedTier,
		"urgency":        p.Urgency,
		"priority":       p.Priority,
		"benefits":       marshalList(p.Benefits),
		"shown_count":    p.ShownCount,
		"max_show_count": p.MaxShowCount,
		"response":       nullIfEmpty(p.Response),
		"triggered_at":   formatTime(p.TriggeredAt),
		"responded_at":   formatTime(p.RespondedAt),
		"expires_at":     formatTime(p.ExpiresAt),
	}
}

func decodePrompt(r Row) UpgradePrompt {
	return UpgradePrompt{
		ID:            asString(r["id"]),
		UserID:        asString(r["user_id"]),
		CampaignID:    asString(r["campaign_id"]),
		TriggerType:   asString(r["trigger_type"]),
		TriggerEvent:  asString(r["trigger_event"]),
		CurrentTier:   asString(r["current_tier"]),
		SuggestedTier: asString(r["suggested_tier"]),
		Urgency:       asString(r["urgency"]),
		Priority:      int(asInt64(r["priority"])),
		Benefits:      unmarshalList(r["benefits"]),
		ShownCount:    int(asInt64(r["shown_count"])),
		MaxShowCount:  int(asInt64(r["max_show_count"])),
		Response:      asString(r["response"]),
		TriggeredAt:   parseTime(r["triggered_at"]),
		RespondedAt:   parseTime(r["responded_at"]),
		ExpiresAt:     parseTime(r["expires_at"]),
	}
}

// PutPrompt stores p, assigning an id when it has none.
func (d *DB) PutPrompt(ctx context.Context, p UpgradePrompt) (UpgradePrompt, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	row, err := d.Upsert(ctx, "upgrade_prompts", Row{"id": p.ID}, promptRow(p))
	if err != nil {
		return UpgradePrompt{}, err
	}
	return decodePrompt(row), nil
}

// GetPrompt returns one prompt or a not-found StoreError.
func (d *DB) GetPrompt(ctx context.Context, id string) (UpgradePrompt, error) {
	rows, err := d.Get(ctx, "upgrade_prompts", Filter{Where: []Predicate{Eq("id", id)}, Limit: 1})
	if err != nil {
		return UpgradePrompt{}, err
	}
	if len(rows) == 0 {
		return UpgradePrompt{}, &StoreError{Op: "get", Table: "upgrade_prompts", Kind: KindNotFound, Err: ErrNotFound}
	}
	return decodePrompt(rows[0]), nil
}

// ListActivePrompts returns unanswered, unexpired prompts, highest priority first.
func (d *DB) ListActivePrompts(ctx context.Context, userID string, now time.Time, limit int) ([]UpgradePrompt, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := d.Get(ctx, "upgrade_prompts", Filter{
		Where: []Predicate{
			Eq("user_id", userID),
			Eq("response", nil),
			Gt("expires_at", formatTime(now)),
		},
		OrderBy: "priority",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]UpgradePrompt, 0, len(rows))
	for _, r := range rows {
		out = append(out, decodePrompt(r))
	}
	return out, nil
}

// MarkPromptShown adds one to a prompt's shown count in a single statement
// and returns the updated prompt.
func (d *DB) MarkPromptShown(ctx context.Context, id string) (UpgradePrompt, error) {
	return d.updatePrompt(ctx, id, `UPDATE upgrade_prompts SET shown_count = shown_count + 1 WHERE id = ?`, id)
}

// SetPromptResponse records the user's answer without touching the other
// columns.
func (d *DB) SetPromptResponse(ctx context.Context, id, response string, at time.Time) (UpgradePrompt, error) {
	return d.updatePrompt(ctx, id, `UPDATE upgrade_prompts SET response = ?, responded_at = ? WHERE id = ?`, response, formatTime(at), id)
}

func (d *DB) updatePrompt(ctx context.Context, id, query string, args ...interface{}) (UpgradePrompt, error) {
	res, err := d.sql.ExecContext(ctx, query, args...)
	if err != nil {
		return UpgradePrompt{}, wrap("update", "upgrade_prompts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return UpgradePrompt{}, wrap("update", "upgrade_prompts", err)
	}
	if n == 0 {
		return UpgradePrompt{}, &StoreError{Op: "update", Table: "upgrade_prompts", Kind: KindNotFound, Err: ErrNotFound}
	}
	return d.GetPrompt(ctx, id)
}
