// Package report summarises a campaign's links over a reporting period.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/verify"
)

// Period is a reporting window ending now.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Duration returns the window length.
func (p Period) Duration() (time.Duration, error) {
	switch p {
	case PeriodHour:
		return time.Hour, nil
	case PeriodDay, "":
		return 24 * time.Hour, nil
	case PeriodWeek:
		return 7 * 24 * time.Hour, nil
	case PeriodMonth:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown period %q", p)
}

// DomainStats is per registrable domain performance.
type DomainStats struct {
	Domain     string  `json:"domain"`
	Links      int     `json:"links"`
	Verified   int     `json:"verified"`
	AvgQuality float64 `json:"avg_quality"`
}

// Metrics is one campaign report.
type Metrics struct {
	CampaignID         string         `json:"campaign_id"`
	Period             Period         `json:"period"`
	From               time.Time      `json:"from"`
	To                 time.Time      `json:"to"`
	Total              int            `json:"total"`
	Verified           int            `json:"verified"`
	Live               int            `json:"live"`
	Broken             int            `json:"broken"`
	Redirect           int            `json:"redirect"`
	Pending            int            `json:"pending"`
	DestinationMatches int            `json:"destination_matches"`
	VerificationRate   float64        `json:"verification_rate"` // percent of settled links verified
	AvgQuality         float64        `json:"avg_quality"`
	AvgResponseMS      float64        `json:"avg_response_ms"`
	ComputeCost        float64        `json:"compute_cost"`
	Quality            map[string]int `json:"quality"` // high >= 80, medium 50-79, low < 50
	Placements         map[string]int `json:"placements"`
	Domains            []DomainStats  `json:"domains"`
}

// Compute builds the metrics for rs. Removed links are ignored.
func Compute(campaignID string, rs []storage.Resource, period Period, from, to time.Time) Metrics {
	m := Metrics{
		CampaignID: campaignID,
		Period:     period,
		From:       from,
		To:         to,
		Quality:    map[string]int{"high": 0, "medium": 0, "low": 0},
		Placements: make(map[string]int),
	}
	var (
		settled, probed   int
		qualitySum, rtSum float64
	)
	domains := make(map[string]*DomainStats)
	domainQuality := make(map[string]float64)
	for _, r := range rs {
		if r.Status == storage.StatusRemoved {
			continue
		}
		m.Total++
		m.ComputeCost += r.ComputeCost
		placement := r.Placement
		if placement == "" {
			placement = "unknown"
		}
		m.Placements[placement]++

		d := verify.RegistrableDomain(r.SourceURL)
		ds, ok := domains[d]
		if !ok {
			ds = &DomainStats{Domain: d}
			domains[d] = ds
		}
		ds.Links++

		switch r.Status {
		case storage.StatusVerified:
			m.Verified++
			ds.Verified++
			if r.HTTPStatus >= 200 && r.HTTPStatus < 300 {
				m.Live++
			}
		case storage.StatusBroken:
			m.Broken++
		case storage.StatusRedirect:
			m.Redirect++
		default:
			m.Pending++
		}
		if r.LinkFound {
			m.DestinationMatches++
		}
		if r.ResponseTimeMS > 0 {
			probed++
			rtSum += float64(r.ResponseTimeMS)
		}
		if !r.Status.Settled() {
			continue
		}
		settled++
		qualitySum += r.QualityScore
		domainQuality[d] += r.QualityScore
		switch {
		case r.QualityScore >= 80:
			m.Quality["high"]++
		case r.QualityScore >= 50:
			m.Quality["medium"]++
		default:
			m.Quality["low"]++
		}
	}
	if settled > 0 {
		m.VerificationRate = round2(float64(m.Verified) / float64(settled) * 100)
		m.AvgQuality = round2(qualitySum / float64(settled))
	}
	if probed > 0 {
		m.AvgResponseMS = round2(rtSum / float64(probed))
	}
	m.ComputeCost = math.Round(m.ComputeCost*10000) / 10000

	m.Domains = make([]DomainStats, 0, len(domains))
	for d, ds := range domains {
		if ds.Links > 0 {
			ds.AvgQuality = round2(domainQuality[d] / float64(ds.Links))
		}
		m.Domains = append(m.Domains, *ds)
	}
	sort.Slice(m.Domains, func(i, j int) bool {
		if m.Domains[i].Links != m.Domains[j].Links {
			return m.Domains[i].Links > m.Domains[j].Links
		}
		return m.Domains[i].Domain < m.Domains[j].Domain
	})
	return m
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// Lister reads resources.
type Lister interface {
	ListResources(ctx context.Context, q storage.ResourceQuery) ([]storage.Resource, error)
}

// Campaign reports on the campaign's links created within the period
// ending at now.
func Campaign(ctx context.Context, store Lister, campaignID string, period Period, now time.Time) (Metrics, error) {
	d, err := period.Duration()
	if err != nil {
		return Metrics{}, err
	}
	if period == "" {
		period = PeriodDay
	}
	rs, err := store.ListResources(ctx, storage.ResourceQuery{CampaignID: campaignID})
	if err != nil {
		return Metrics{}, err
	}
	from := now.Add(-d)
	in := rs[:0]
	for _, r := range rs {
		if !r.CreatedAt.Before(from) && !r.CreatedAt.After(now) {
			in = append(in, r)
		}
	}
	return Compute(campaignID, in, period, from, now), nil
}
