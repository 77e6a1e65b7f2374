package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
)

func resourceRow(r Resource) Row {
	return Row{
		"id":               r.ID,
		"campaign_id":      r.CampaignID,
		"user_id":          r.UserID,
		"source_url":       r.SourceURL,
		"target_url":       r.TargetURL,
		"anchor_text":      nullIfEmpty(r.AnchorText),
		"placement":        nullIfEmpty(r.Placement),
		"status":           string(r.Status),
		"attempts":         r.Attempts,
		"failures":         r.Failures,
		"next_check_at":    formatTime(r.NextCheckAt),
		"last_checked_at":  formatTime(r.LastChecked),
		"http_status":      r.HTTPStatus,
		"response_time_ms": r.ResponseTimeMS,
		"final_url":        nullIfEmpty(r.FinalURL),
		"redirect_chain":   marshalList(r.RedirectChain),
		"link_found":       boolToInt(r.LinkFound),
		"link_rel":         nullIfEmpty(r.LinkRel),
		"quality_score":    r.QualityScore,
		"compute_cost":     r.ComputeCost,
		"created_at":       formatTime(r.CreatedAt),
		"updated_at":       formatTime(r.UpdatedAt),
	}
}

func decodeResource(r Row) Resource {
	return Resource{
		ID:             asString(r["id"]),
		CampaignID:     asString(r["campaign_id"]),
		UserID:         asString(r["user_id"]),
		SourceURL:      asString(r["source_url"]),
		TargetURL:      asString(r["target_url"]),
		AnchorText:     asString(r["anchor_text"]),
		Placement:      asString(r["placement"]),
		Status:         ResourceStatus(asString(r["status"])),
		Attempts:       int(asInt64(r["attempts"])),
		Failures:       int(asInt64(r["failures"])),
		NextCheckAt:    parseTime(r["next_check_at"]),
		LastChecked:    parseTime(r["last_checked_at"]),
		HTTPStatus:     int(asInt64(r["http_status"])),
		ResponseTimeMS: asInt64(r["response_time_ms"]),
		FinalURL:       asString(r["final_url"]),
		RedirectChain:  unmarshalList(r["redirect_chain"]),
		LinkFound:      asInt64(r["link_found"]) == 1,
		LinkRel:        asString(r["link_rel"]),
		QualityScore:   asFloat(r["quality_score"]),
		ComputeCost:    asFloat(r["compute_cost"]),
		CreatedAt:      parseTime(r["created_at"]),
		UpdatedAt:      parseTime(r["updated_at"]),
	}
}

// resourceSnapshot is what audit rows record for a resource.
type resourceSnapshot struct {
	Status       ResourceStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	Failures     int            `json:"failures"`
	HTTPStatus   int            `json:"http_status,omitempty"`
	FinalURL     string         `json:"final_url,omitempty"`
	LinkFound    bool           `json:"link_found"`
	QualityScore float64        `json:"quality_score"`
	NextCheckAt  string         `json:"next_check_at,omitempty"`
}

// Snapshot encodes the audit-relevant fields of r.
func (r Resource) Snapshot() json.RawMessage {
	s := resourceSnapshot{
		Status:       r.Status,
		Attempts:     r.Attempts,
		Failures:     r.Failures,
		HTTPStatus:   r.HTTPStatus,
		FinalURL:     r.FinalURL,
		LinkFound:    r.LinkFound,
		QualityScore: r.QualityScore,
	}
	if !r.NextCheckAt.IsZero() {
		s.NextCheckAt = r.NextCheckAt.UTC().Format(time.RFC3339)
	}
	b, _ := json.Marshal(s)
	return b
}

// InsertResource creates r and its "created" audit row in one transaction.
// A resource with the same campaign/source/target is returned unchanged.
func (d *DB) InsertResource(ctx context.Context, r Resource, actor Actor) (Resource, bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusUnverified
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	r.SourceURL = NormalizeURL(r.SourceURL)
	r.TargetURL = NormalizeURL(r.TargetURL)

	var out Resource
	created := false
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRows(ctx, tx, "resources", Filter{Where: []Predicate{
			Eq("campaign_id", r.CampaignID), Eq("source_url", r.SourceURL), Eq("target_url", r.TargetURL),
		}, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = decodeResource(existing[0])
			return nil
		}
		row, err := upsertRow(ctx, tx, "resources", Row{"id": r.ID}, resourceRow(r))
		if err != nil {
			return err
		}
		out = decodeResource(row)
		created = true
		_, err = appendAuditTx(ctx, tx, AuditEvent{
			ResourceID:   out.ID,
			ResourceKind: "resource",
			EventType:    "created",
			Actor:        actor,
			After:        out.Snapshot(),
			OccurredAt:   out.CreatedAt,
		})
		return err
	})
	return out, created, wrap("insert", "resources", err)
}

// GetResource returns one resource or ErrNotFound.
func (d *DB) GetResource(ctx context.Context, id string) (Resource, error) {
	rows, err := d.Get(ctx, "resources", Filter{Where: []Predicate{Eq("id", id)}, Limit: 1})
	if err != nil {
		return Resource{}, err
	}
	if len(rows) == 0 {
		return Resource{}, &StoreError{Op: "get", Table: "resources", Kind: KindNotFound, Err: ErrNotFound}
	}
	return decodeResource(rows[0]), nil
}

// ResourceQuery selects resources for ListResources.
type ResourceQuery struct {
	CampaignID string
	UserID     string
	Statuses   []ResourceStatus
	DueBefore  time.Time // next_check_at <= DueBefore
	Limit      int
}

// ListResources returns resources matching q, most recently updated first.
func (d *DB) ListResources(ctx context.Context, q ResourceQuery) ([]Resource, error) {
	f := Filter{OrderBy: "updated_at", Desc: true, Limit: q.Limit}
	if q.CampaignID != "" {
		f.Where = append(f.Where, Eq("campaign_id", q.CampaignID))
	}
	if q.UserID != "" {
		f.Where = append(f.Where, Eq("user_id", q.UserID))
	}
	if len(q.Statuses) > 0 {
		vs := make([]interface{}, len(q.Statuses))
		for i, s := range q.Statuses {
			vs[i] = string(s)
		}
		f.Where = append(f.Where, In("status", vs...))
	}
	if !q.DueBefore.IsZero() {
		f.Where = append(f.Where, Lte("next_check_at", formatTime(q.DueBefore)))
	}
	rows, err := d.Get(ctx, "resources", f)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(rows))
	for _, r := range rows {
		out = append(out, decodeResource(r))
	}
	return out, nil
}

// CommitResource writes next and ev atomically. When next carries no change
// against the stored row (ignoring UpdatedAt) nothing is written and changed
// is false, so replays never duplicate audit rows. ev.Before/After are filled
// from the stored and committed rows.
func (d *DB) CommitResource(ctx context.Context, next Resource, ev AuditEvent) (Resource, bool, error) {
	var committed Resource
	changed := false
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := getRows(ctx, tx, "resources", Filter{Where: []Predicate{Eq("id", next.ID)}, Limit: 1})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrNotFound
		}
		before := decodeResource(rows[0])
		if sameResource(before, next) {
			committed = before
			return nil
		}
		if next.UpdatedAt.IsZero() || !next.UpdatedAt.After(before.UpdatedAt) {
			next.UpdatedAt = time.Now().UTC()
		}
		next.CreatedAt = before.CreatedAt
		row, err := upsertRow(ctx, tx, "resources", Row{"id": next.ID}, resourceRow(next))
		if err != nil {
			return err
		}
		committed = decodeResource(row)
		changed = true
		ev.ResourceID = committed.ID
		ev.ResourceKind = "resource"
		ev.Before = before.Snapshot()
		ev.After = committed.Snapshot()
		_, err = appendAuditTx(ctx, tx, ev)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Resource{}, false, &StoreError{Op: "commit", Table: "resources", Kind: KindNotFound, Err: err}
	}
	return committed, changed, wrap("commit", "resources", err)
}

// sameResource compares the persisted form of two resources, ignoring
// UpdatedAt and CreatedAt.
func sameResource(a, b Resource) bool {
	ra, rb := resourceRow(a), resourceRow(b)
	delete(ra, "updated_at")
	delete(rb, "updated_at")
	delete(ra, "created_at")
	delete(rb, "created_at")
	return reflect.DeepEqual(ra, rb)
}

// CampaignHealth summarises a campaign's non-removed resources.
type CampaignHealth struct {
	Total        int
	Settled      int
	Broken       int
	QualityAvg   float64 // over settled resources; 100 when none are settled
	ComputeTotal float64
}

// ErrorRate is broken/total, zero for an empty campaign.
func (h CampaignHealth) ErrorRate() float64 {
	if h.Total == 0 {
		return 0
	}
	return float64(h.Broken) / float64(h.Total)
}

// GetCampaignHealth aggregates resource outcomes for one campaign.
func (d *DB) GetCampaignHealth(ctx context.Context, campaignID string) (CampaignHealth, error) {
	var (
		h       CampaignHealth
		quality sql.NullFloat64
		compute sql.NullFloat64
	)
	err := d.sql.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COUNT(CASE WHEN status IN ('verified','broken','redirect') THEN 1 END),
  COUNT(CASE WHEN status = 'broken' THEN 1 END),
  AVG(CASE WHEN status IN ('verified','broken','redirect') THEN quality_score END),
  SUM(compute_cost)
FROM resources
WHERE campaign_id = ? AND status != 'removed'`, campaignID).Scan(&h.Total, &h.Settled, &h.Broken, &quality, &compute)
	if err != nil {
		return CampaignHealth{}, wrap("health", "resources", err)
	}
	h.QualityAvg = 100
	if quality.Valid {
		h.QualityAvg = quality.Float64
	}
	h.ComputeTotal = compute.Float64
	return h, nil
}
