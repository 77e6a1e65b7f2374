package usage

import (
	"context"
	"fmt"

	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// Operation is a metered activity with estimated bandwidth and storage.
type Operation string

const (
	OpURLDiscovery   Operation = "url_discovery"
	OpContentPosting Operation = "content_posting"
	OpVerification   Operation = "verification"
	OpSync           Operation = "sync"
	OpCompute        Operation = "compute"
)

// Estimate is the per-operation footprint in megabytes.
type Estimate struct {
	BandwidthMB float64
	StorageMB   float64
}

var estimates = map[Operation]Estimate{
	OpURLDiscovery:   {BandwidthMB: 0.5, StorageMB: 0.1},
	OpContentPosting: {BandwidthMB: 2.0, StorageMB: 0.5},
	OpVerification:   {BandwidthMB: 1.0, StorageMB: 0.05},
	OpSync:           {BandwidthMB: 0.2, StorageMB: 0.02},
	OpCompute:        {BandwidthMB: 0.1, StorageMB: 0.01},
}

// EstimateFor returns the footprint of op.
func EstimateFor(op Operation) (Estimate, bool) {
	e, ok := estimates[op]
	return e, ok
}

// RecordEstimated charges one op's estimated bandwidth and storage and one
// API request to the user.
func (t *Tracker) RecordEstimated(ctx context.Context, userID string, op Operation) error {
	e, ok := estimates[op]
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}
	if _, err := t.RecordOperation(ctx, userID, storage.UsageBytesTransferred, e.BandwidthMB*mb); err != nil {
		return err
	}
	if _, err := t.RecordOperation(ctx, userID, storage.UsageBytesStored, e.StorageMB*mb); err != nil {
		return err
	}
	_, err := t.RecordOperation(ctx, userID, storage.UsageAPIRequests, 1)
	return err
}
