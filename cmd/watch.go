package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// auditFeed turns new audit rows into hub events. Other processes write the
// same database, so the audit table is the shared change log.
type auditFeed struct {
	db *storage.DB

	mu        sync.Mutex
	since     time.Time
	seen      map[string]time.Time // ids already delivered at or after since
	campaigns map[string]string
}

func newAuditFeed(db *storage.DB, since time.Time) *auditFeed {
	return &auditFeed{db: db, since: since, seen: make(map[string]time.Time), campaigns: make(map[string]string)}
}

func (f *auditFeed) Load(ctx context.Context) ([]notify.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, err := f.db.ListAudit(ctx, storage.AuditQuery{Since: f.since, Limit: 500})
	if err != nil {
		return nil, err
	}
	var out []notify.Event
	// Newest first; deliver oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		ev := rows[i]
		if _, ok := f.seen[ev.ID]; ok {
			continue
		}
		f.seen[ev.ID] = ev.OccurredAt
		if ev.OccurredAt.After(f.since) {
			f.since = ev.OccurredAt
		}
		out = append(out, f.toEvent(ctx, ev))
	}
	for id, at := range f.seen {
		if at.Before(f.since) {
			delete(f.seen, id)
		}
	}
	return out, nil
}

func (f *auditFeed) toEvent(ctx context.Context, ev storage.AuditEvent) notify.Event {
	after := gjson.ParseBytes(ev.After)
	before := gjson.ParseBytes(ev.Before)
	out := notify.Event{
		Kind:   ev.ResourceKind,
		Type:   ev.EventType,
		ID:     ev.ResourceID,
		Actor:  string(ev.Actor),
		At:     ev.OccurredAt,
		Status: after.Get("status").String(),
	}
	if ev.ResourceKind == "automation" {
		out.CampaignID = ev.ResourceID
		out.Status = after.Get("mode").String()
		out.Previous = before.Get("mode").String()
		for _, r := range after.Get("exceeded").Array() {
			out.Reasons = append(out.Reasons, r.String())
		}
		return out
	}
	out.Previous = before.Get("status").String()
	out.CampaignID = f.campaignOf(ctx, ev.ResourceID)
	return out
}

func (f *auditFeed) campaignOf(ctx context.Context, resourceID string) string {
	if c, ok := f.campaigns[resourceID]; ok {
		return c
	}
	r, err := f.db.GetResource(ctx, resourceID)
	if err != nil {
		return ""
	}
	f.campaigns[resourceID] = r.CampaignID
	return r.CampaignID
}

// watchCmd implements: linkwatch watch [--campaign c] [--status s] [--kind k] [--latest]
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream link and campaign changes as they are committed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()

		f := notify.Filter{}
		f.CampaignID, _ = cmd.Flags().GetString("campaign")
		f.Statuses, _ = cmd.Flags().GetStringSlice("status")
		f.Kinds, _ = cmd.Flags().GetStringSlice("kind")
		f.Types, _ = cmd.Flags().GetStringSlice("type")
		interval, _ := cmd.Flags().GetDuration("interval")
		backlog, _ := cmd.Flags().GetDuration("backlog")
		opts := notify.Options{Poll: &notify.Poll{Interval: interval, Load: newAuditFeed(a.db, time.Now().Add(-backlog)).Load}}
		if latest, _ := cmd.Flags().GetBool("latest"); latest {
			opts.Mode = notify.LatestOnly
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dispose, err := a.hub.Subscribe("cli-watch", f, printEvent, opts)
		if err != nil {
			return err
		}
		defer dispose()
		fmt.Fprintln(os.Stderr, "Watching for changes... (Ctrl+C to stop)")
		<-ctx.Done()
		return nil
	},
}

func printEvent(ev notify.Event) {
	line := fmt.Sprintf("%s  %-10s %-12s %s", ev.At.Format(time.RFC3339), ev.Kind, ev.Type, ev.ID)
	if ev.CampaignID != "" && ev.CampaignID != ev.ID {
		line += "  campaign=" + ev.CampaignID
	}
	if ev.Previous != "" || ev.Status != "" {
		line += fmt.Sprintf("  %s -> %s", orDash(ev.Previous), orDash(ev.Status))
	}
	if len(ev.Reasons) > 0 {
		line += "  [" + strings.Join(ev.Reasons, ",") + "]"
	}
	if ev.Actor != "" {
		line += "  by " + ev.Actor
	}
	fmt.Println(line)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("campaign", "", "Only this campaign")
	watchCmd.Flags().StringSlice("status", nil, "Only these statuses or modes")
	watchCmd.Flags().StringSlice("kind", nil, "resource, automation")
	watchCmd.Flags().StringSlice("type", nil, "Only these event types, e.g. verified,auto_paused")
	watchCmd.Flags().Duration("interval", 2*time.Second, "How often to read new changes")
	watchCmd.Flags().Duration("backlog", 0, "Also show changes from this far back")
	watchCmd.Flags().Bool("latest", false, "Coalesce to the newest change per link")
}
