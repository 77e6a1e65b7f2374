package usage

import (
	"strings"

	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// Tier names.
const (
	TierFree       = "free"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// Unlimited disables a limit.
const Unlimited = -1

const mb = 1 << 20

// Limits is one tier's daily allowance. A negative value is unlimited.
type Limits struct {
	DailyItems     float64 `mapstructure:"daily_items"`
	ComputeUnits   float64 `mapstructure:"compute_units"`
	StorageMB      float64 `mapstructure:"storage_mb"`
	BandwidthMB    float64 `mapstructure:"bandwidth_mb"`
	CostMultiplier float64 `mapstructure:"cost_multiplier"`
	AutoResume     bool    `mapstructure:"auto_resume"` // campaigns may resume without the user
}

// DefaultTiers returns the stock plans.
func DefaultTiers() map[string]Limits {
	return map[string]Limits{
		TierFree:       {DailyItems: 20, ComputeUnits: 10, StorageMB: 100, BandwidthMB: 500, CostMultiplier: 1.0},
		TierPremium:    {DailyItems: 500, ComputeUnits: 100, StorageMB: 1000, BandwidthMB: 5000, CostMultiplier: 0.8, AutoResume: true},
		TierEnterprise: {DailyItems: Unlimited, ComputeUnits: Unlimited, StorageMB: Unlimited, BandwidthMB: Unlimited, CostMultiplier: 0.6, AutoResume: true},
	}
}

// LimitKind names one threshold.
type LimitKind string

const (
	LimitDaily     LimitKind = "daily_limit"
	LimitCompute   LimitKind = "compute_limit"
	LimitStorage   LimitKind = "storage_limit"
	LimitBandwidth LimitKind = "bandwidth_limit"
)

// Reason is the automation reason recorded when k fires.
func (k LimitKind) Reason() string { return string(k) + "_reached" }

// limitOrder fixes the order Evaluate reports limits in.
var limitOrder = []LimitKind{LimitDaily, LimitCompute, LimitStorage, LimitBandwidth}

// Counter maps a limit onto the accumulator it bounds.
func (k LimitKind) Counter() storage.UsageKind {
	switch k {
	case LimitDaily:
		return storage.UsageItemsPosted
	case LimitCompute:
		return storage.UsageComputeUnits
	case LimitStorage:
		return storage.UsageBytesStored
	case LimitBandwidth:
		return storage.UsageBytesTransferred
	}
	return ""
}

// For returns the limit in counter units (bytes for storage and bandwidth).
func (l Limits) For(k LimitKind) float64 {
	var v float64
	switch k {
	case LimitDaily:
		v = l.DailyItems
	case LimitCompute:
		v = l.ComputeUnits
	case LimitStorage:
		v = l.StorageMB
	case LimitBandwidth:
		v = l.BandwidthMB
	}
	if v < 0 {
		return Unlimited
	}
	if k == LimitStorage || k == LimitBandwidth {
		return v * mb
	}
	return v
}

// limitFor returns the limit bounding counter, if any.
func limitFor(counter storage.UsageKind) (LimitKind, bool) {
	for _, k := range limitOrder {
		if k.Counter() == counter {
			return k, true
		}
	}
	return "", false
}

// Evaluate reports every limit the counters have reached. A limit of N is
// reached at a count of N, so N operations succeed and the next is refused.
func Evaluate(counters map[storage.UsageKind]float64, l Limits) []LimitKind {
	var out []LimitKind
	for _, k := range limitOrder {
		limit := l.For(k)
		if limit < 0 {
			continue
		}
		if counters[k.Counter()] >= limit {
			out = append(out, k)
		}
	}
	return out
}

// NextTier is the plan suggested to a user on tier. Enterprise has none.
func NextTier(tier string) string {
	switch strings.ToLower(tier) {
	case TierFree, "":
		return TierPremium
	case TierPremium:
		return TierEnterprise
	}
	return ""
}
