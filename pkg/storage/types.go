package storage

import (
	"encoding/json"
	"time"
)

// ResourceStatus is the verification lifecycle of a tracked resource.
type ResourceStatus string

const (
	StatusUnverified ResourceStatus = "unverified"
	StatusVerified   ResourceStatus = "verified"
	StatusBroken     ResourceStatus = "broken"
	StatusRedirect   ResourceStatus = "redirect"
	// StatusRemoved is the soft-delete state; rows are never hard-deleted.
	StatusRemoved ResourceStatus = "removed"
)

// Settled reports whether s is one of the probe outcomes that only an
// explicit requeue can leave.
func (s ResourceStatus) Settled() bool {
	return s == StatusVerified || s == StatusBroken || s == StatusRedirect
}

// Resource is a published link whose liveness is periodically re-verified.
type Resource struct {
	ID          string
	CampaignID  string
	UserID      string
	SourceURL   string // page that should carry the link
	TargetURL   string // where the link should point
	AnchorText  string
	Placement   string
	Status      ResourceStatus
	Attempts    int // total probes, never decreases
	Failures    int // consecutive network failures since the last settle/requeue
	NextCheckAt time.Time
	LastChecked time.Time

	HTTPStatus     int
	ResponseTimeMS int64
	FinalURL       string
	RedirectChain  []string
	LinkFound      bool
	LinkRel        string
	QualityScore   float64
	ComputeCost    float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Actor identifies who caused a transition.
type Actor string

const ActorSystem Actor = "system"

// UserActor builds the actor value recorded for user-initiated transitions.
func UserActor(userID string) Actor {
	if userID == "" {
		return "user"
	}
	return Actor("user:" + userID)
}

// AuditEvent is an append-only record of one state transition.
type AuditEvent struct {
	ID           string
	ResourceID   string
	ResourceKind string // "resource" | "automation"
	EventType    string
	Actor        Actor
	Reason       string
	Before       json.RawMessage
	After        json.RawMessage
	OccurredAt   time.Time
}

// UsageKind names one per-day accumulator.
type UsageKind string

const (
	UsageItemsPosted      UsageKind = "items_posted"
	UsageComputeUnits     UsageKind = "compute_units"
	UsageBytesStored      UsageKind = "bytes_stored"
	UsageBytesTransferred UsageKind = "bytes_transferred"
	UsageAPIRequests      UsageKind = "api_requests"
)

// UsageKinds lists every accumulator column, in schema order.
var UsageKinds = []UsageKind{UsageItemsPosted, UsageComputeUnits, UsageBytesStored, UsageBytesTransferred, UsageAPIRequests}

// Valid reports whether k is a known accumulator.
func (k UsageKind) Valid() bool {
	for _, v := range UsageKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Usage is a user's counters for one UTC day.
type Usage struct {
	UserID   string
	DayKey   string
	Counters map[UsageKind]float64
}

// AutomationMode is the campaign automation state.
type AutomationMode string

const (
	ModeManual      AutomationMode = "manual"
	ModeAutoPaused  AutomationMode = "auto_paused"
	ModeAutoRunning AutomationMode = "auto_running"
)

// AutomationState is stored once per campaign and updated in place.
type AutomationState struct {
	CampaignID     string
	UserID         string
	Mode           AutomationMode
	PausedBy       Actor
	Reason         string
	Exceeded       []string // pause conditions that fired
	TransitionedAt time.Time
	UpdatedAt      time.Time
}

// CostEntry is one row of the compute cost matrix.
type CostEntry struct {
	OperationType   string
	EngineType      string
	Difficulty      string
	BaseCost        float64
	HostingFactor   float64
	PremiumDiscount float64
	SuccessBonus    float64
}

// UpgradePrompt is an upsell suggestion created after an automatic pause.
type UpgradePrompt struct {
	ID            string
	UserID        string
	CampaignID    string
	TriggerType   string
	TriggerEvent  string
	CurrentTier   string
	SuggestedTier string
	Urgency       string
	Priority      int
	Benefits      []string
	ShownCount    int
	MaxShowCount  int
	Response      string
	TriggeredAt   time.Time
	RespondedAt   time.Time
	ExpiresAt     time.Time
}
