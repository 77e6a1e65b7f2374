package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func usageColumn(op string, kind UsageKind) (string, error) {
	if !kind.Valid() {
		return "", &StoreError{Op: op, Table: "usage_counters", Kind: KindSchema, Err: fmt.Errorf("unknown usage kind %q", kind)}
	}
	return string(kind), nil
}

// IncrementUsage adds amount to one counter in a single statement and
// returns the committed total. The row for the day is created on first use.
func (d *DB) IncrementUsage(ctx context.Context, userID, dayKey string, kind UsageKind, amount float64) (float64, error) {
	col, err := usageColumn("increment", kind)
	if err != nil {
		return 0, err
	}
	var total float64
	err = d.sql.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO usage_counters (user_id, day_key, %[1]s) VALUES (?, ?, ?)
ON CONFLICT (user_id, day_key) DO UPDATE SET %[1]s = %[1]s + excluded.%[1]s
RETURNING %[1]s`, col), userID, dayKey, amount).Scan(&total)
	return total, wrap("increment", "usage_counters", err)
}

// IncrementUsageBounded adds amount only while the counter is below limit
// (a negative limit means unlimited). It reports whether the increment was
// applied and the counter value after the call.
func (d *DB) IncrementUsageBounded(ctx context.Context, userID, dayKey string, kind UsageKind, amount, limit float64) (float64, bool, error) {
	if limit < 0 {
		total, err := d.IncrementUsage(ctx, userID, dayKey, kind, amount)
		return total, err == nil, err
	}
	col, err := usageColumn("increment", kind)
	if err != nil {
		return 0, false, err
	}
	var (
		total   float64
		applied bool
	)
	err = d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO usage_counters (user_id, day_key) VALUES (?, ?)`, userID, dayKey); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE usage_counters SET %[1]s = %[1]s + ?
WHERE user_id = ? AND day_key = ? AND %[1]s < ?
RETURNING %[1]s`, col), amount, userID, dayKey, limit).Scan(&total)
		if err == nil {
			applied = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM usage_counters WHERE user_id = ? AND day_key = ?`, col), userID, dayKey).Scan(&total)
	})
	return total, applied, wrap("increment", "usage_counters", err)
}

// GetUsage returns the counters for a day; a missing row reads as zeros.
func (d *DB) GetUsage(ctx context.Context, userID, dayKey string) (Usage, error) {
	u := Usage{UserID: userID, DayKey: dayKey, Counters: make(map[UsageKind]float64, len(UsageKinds))}
	rows, err := d.Get(ctx, "usage_counters", Filter{Where: []Predicate{Eq("user_id", userID), Eq("day_key", dayKey)}, Limit: 1})
	if err != nil {
		return u, err
	}
	for _, k := range UsageKinds {
		u.Counters[k] = 0
		if len(rows) > 0 {
			u.Counters[k] = asFloat(rows[0][string(k)])
		}
	}
	return u, nil
}

// GetUserTier returns the user's tier, or "" if none is recorded.
func (d *DB) GetUserTier(ctx context.Context, userID string) (string, error) {
	rows, err := d.Get(ctx, "user_tiers", Filter{Where: []Predicate{Eq("user_id", userID)}, Limit: 1})
	if err != nil || len(rows) == 0 {
		return "", err
	}
	return asString(rows[0]["tier"]), nil
}

// SetUserTier records the user's plan.
func (d *DB) SetUserTier(ctx context.Context, userID, tier string) error {
	_, err := d.Upsert(ctx, "user_tiers", Row{"user_id": userID}, Row{"tier": tier, "updated_at": formatTime(time.Now())})
	return err
}

// GetCostEntry looks up one cost matrix row.
func (d *DB) GetCostEntry(ctx context.Context, operation, engine, difficulty string) (CostEntry, bool, error) {
	rows, err := d.Get(ctx, "cost_matrix", Filter{Where: []Predicate{
		Eq("operation_type", operation), Eq("engine_type", engine), Eq("difficulty", difficulty),
	}, Limit: 1})
	if err != nil || len(rows) == 0 {
		return CostEntry{}, false, err
	}
	r := rows[0]
	return CostEntry{
		OperationType:   asString(r["operation_type"]),
		EngineType:      asString(r["engine_type"]),
		Difficulty:      asString(r["difficulty"]),
		BaseCost:        asFloat(r["base_cost"]),
		HostingFactor:   asFloat(r["hosting_factor"]),
		PremiumDiscount: asFloat(r["premium_discount"]),
		SuccessBonus:    asFloat(r["success_bonus"]),
	}, true, nil
}

// PutCostEntry inserts or replaces a cost matrix row.
func (d *DB) PutCostEntry(ctx context.Context, e CostEntry) error {
	_, err := d.Upsert(ctx, "cost_matrix",
		Row{"operation_type": e.OperationType, "engine_type": e.EngineType, "difficulty": e.Difficulty},
		Row{"base_cost": e.BaseCost, "hosting_factor": e.HostingFactor, "premium_discount": e.PremiumDiscount, "success_bonus": e.SuccessBonus})
	return err
}
