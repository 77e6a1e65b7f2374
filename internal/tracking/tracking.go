// Package tracking records a newly published link: it charges the owner's
// daily allowance, prices the work and hands the link to the verification
// engine.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/backlinkoo/linkwatch/pkg/polling"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/usage"
)

// ErrCampaignPaused is returned when the campaign is paused and takes no
// new links.
var ErrCampaignPaused = errors.New("campaign is paused")

// ErrInvalidRequest wraps every validation failure of a Request.
var ErrInvalidRequest = errors.New("invalid track request")

var requestValidator = validator.New()

type Engine interface {
	Track(ctx context.Context, r storage.Resource, actor storage.Actor) (storage.Resource, bool, error)
}

type Lister interface {
	ListResources(ctx context.Context, q storage.ResourceQuery) ([]storage.Resource, error)
}

type Meter interface {
	Reserve(ctx context.Context, userID string, kind storage.UsageKind, amount float64) (func(context.Context) error, error)
	RecordOperation(ctx context.Context, userID string, kind storage.UsageKind, amount float64) (float64, error)
	ComputeCost(ctx context.Context, userID string, req usage.CostRequest) (float64, error)
	RecordEstimated(ctx context.Context, userID string, op usage.Operation) error
}

type Campaigns interface {
	Ensure(ctx context.Context, campaignID, userID string) (storage.AutomationState, error)
}

// Request describes one published link.
type Request struct {
	CampaignID string `json:"campaign_id" validate:"required"`
	UserID     string `json:"user_id"`
	SourceURL  string `json:"source_url" validate:"required,url"`
	TargetURL  string `json:"target_url" validate:"required,url"`
	AnchorText string `json:"anchor_text"`
	Placement  string `json:"placement"`
	Engine     string `json:"engine"`
	Difficulty string `json:"difficulty"`
}

func (r Request) validate() error {
	err := requestValidator.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" "+fe.Tag())
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, ", "))
}

// Service wires the collaborators. Meter and Campaigns are optional.
type Service struct {
	Engine    Engine
	Store     Lister
	Meter     Meter
	Campaigns Campaigns
	Log       polling.Logger
}

// Track records req. An already tracked link is returned unchanged and is
// not charged again; an insert that fails gives its item charge back.
func (s *Service) Track(ctx context.Context, req Request, actor storage.Actor) (storage.Resource, bool, error) {
	if err := req.validate(); err != nil {
		return storage.Resource{}, false, err
	}
	log := polling.OrNop(s.Log)

	if existing, ok, err := s.lookup(ctx, req); err != nil {
		return storage.Resource{}, false, err
	} else if ok {
		return existing, false, nil
	}

	if s.Campaigns != nil {
		st, err := s.Campaigns.Ensure(ctx, req.CampaignID, req.UserID)
		if err != nil {
			return storage.Resource{}, false, err
		}
		if st.Mode == storage.ModeAutoPaused {
			return storage.Resource{}, false, fmt.Errorf("%s (%s): %w", req.CampaignID, st.Reason, ErrCampaignPaused)
		}
	}

	var (
		cost    float64
		release func(context.Context) error
	)
	if s.Meter != nil && req.UserID != "" {
		rel, err := s.Meter.Reserve(ctx, req.UserID, storage.UsageItemsPosted, 1)
		if err != nil {
			return storage.Resource{}, false, err
		}
		release = rel
		c, err := s.Meter.ComputeCost(ctx, req.UserID, usage.CostRequest{
			Operation:  string(usage.OpContentPosting),
			Engine:     req.Engine,
			Difficulty: req.Difficulty,
			Success:    true,
		})
		if err != nil {
			log.Warnf("pricing %s for %s: %v", req.SourceURL, req.UserID, err)
			c = usage.DefaultCost
		}
		cost = c
	}

	r, created, err := s.Engine.Track(ctx, storage.Resource{
		CampaignID:  req.CampaignID,
		UserID:      req.UserID,
		SourceURL:   req.SourceURL,
		TargetURL:   req.TargetURL,
		AnchorText:  req.AnchorText,
		Placement:   req.Placement,
		ComputeCost: cost,
	}, actor)
	if release != nil && (err != nil || !created) {
		// Nothing new was stored, so the item is not charged.
		if rerr := release(ctx); rerr != nil {
			log.Warnf("%v", rerr)
		}
	}
	if err != nil {
		return r, created, err
	}

	if s.Meter != nil && req.UserID != "" && created {
		if _, err := s.Meter.RecordOperation(ctx, req.UserID, storage.UsageComputeUnits, cost); err != nil {
			log.Warnf("recording compute for %s: %v", r.ID, err)
		}
		if err := s.Meter.RecordEstimated(ctx, req.UserID, usage.OpContentPosting); err != nil {
			log.Warnf("recording footprint for %s: %v", r.ID, err)
		}
	}
	return r, created, nil
}

func (s *Service) lookup(ctx context.Context, req Request) (storage.Resource, bool, error) {
	if s.Store == nil {
		return storage.Resource{}, false, nil
	}
	rs, err := s.Store.ListResources(ctx, storage.ResourceQuery{CampaignID: req.CampaignID})
	if err != nil {
		return storage.Resource{}, false, err
	}
	src := storage.NormalizeURL(req.SourceURL)
	for _, r := range rs {
		if storage.NormalizeURL(r.SourceURL) == src && storage.SameTarget(r.TargetURL, req.TargetURL) {
			return r, true, nil
		}
	}
	return storage.Resource{}, false, nil
}
