package storage

import (
	"context"
	"fmt"
)

// TableStat is the row count of one table.
type TableStat struct {
	Table string
	Rows  int
}

// Stats counts the rows of every table.
func (d *DB) Stats(ctx context.Context) ([]TableStat, error) {
	out := make([]TableStat, 0, len(tables))
	for _, name := range Tables() {
		var n int
		// name comes from the whitelist, never from input.
		if err := d.sql.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, name)).Scan(&n); err != nil {
			return nil, wrap("stats", name, err)
		}
		out = append(out, TableStat{Table: name, Rows: n})
	}
	return out, nil
}

// StatusCount is the number of resources in one status for a campaign.
type StatusCount struct {
	CampaignID string
	Status     ResourceStatus
	Count      int
}

// CountByStatus groups resources by campaign and status.
func (d *DB) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT campaign_id, status, COUNT(*) FROM resources GROUP BY campaign_id, status ORDER BY campaign_id, status`)
	if err != nil {
		return nil, wrap("stats", "resources", err)
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.CampaignID, &c.Status, &c.Count); err != nil {
			return nil, wrap("stats", "resources", err)
		}
		out = append(out, c)
	}
	return out, wrap("stats", "resources", rows.Err())
}
