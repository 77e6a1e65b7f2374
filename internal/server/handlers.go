package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/backlinkoo/linkwatch/internal/tracking"
	"github.com/backlinkoo/linkwatch/pkg/automation"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/report"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/upsell"
	"github.com/backlinkoo/linkwatch/pkg/usage"
	"github.com/backlinkoo/linkwatch/pkg/verify"
)

// Result is the shape of every API response.
type Result struct {
	OK      bool        `json:"ok"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func ok(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Result{OK: true, Data: data})
}

// fail maps err onto a status code and a readable message. Raw store errors
// are logged, not returned.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, automation.ErrUnknownCampaign):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, verify.ErrInFlight):
		status, msg = http.StatusConflict, "a verification is already in flight"
	case errors.Is(err, verify.ErrRemoved):
		status, msg = http.StatusGone, "resource has been removed"
	case errors.Is(err, automation.ErrNotPaused):
		status, msg = http.StatusConflict, "campaign is not paused"
	case errors.Is(err, usage.ErrLimitReached), errors.Is(err, tracking.ErrCampaignPaused):
		status, msg = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, upsell.ErrBadResponse), errors.Is(err, tracking.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case storage.IsPermission(err):
		status, msg = http.StatusForbidden, "permission denied by the store"
	case storage.IsRetryable(err):
		status, msg = http.StatusServiceUnavailable, "store temporarily unavailable, retry later"
	}
	if status >= 500 {
		s.logger().Errorf("api: %v", err)
	}
	writeJSON(w, status, Result{Message: msg})
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, Result{Message: fmt.Sprintf(format, args...)})
}

// requestUser is the acting user: X-User-ID, else the basic auth name.
func requestUser(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	u, _, _ := r.BasicAuth()
	return u
}

func actor(r *http.Request) storage.Actor {
	return storage.UserActor(requestUser(r))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.DB.CountByStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, counts)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rq := storage.ResourceQuery{CampaignID: q.Get("campaign"), UserID: q.Get("user")}
	for _, st := range splitList(q.Get("status")) {
		rq.Statuses = append(rq.Statuses, storage.ResourceStatus(st))
	}
	rq.Limit, _ = strconv.Atoi(q.Get("limit"))
	rs, err := s.DB.ListResources(r.Context(), rq)
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, rs)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req tracking.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	res, created, err := s.Tracking.Track(r.Context(), req, actor(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, Result{OK: true, Data: res})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.DB.GetResource(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, res)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.VerifyNow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
	UserID string `json:"user_id"`
	Period string `json:"period"`
}

func decodeOptional(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	res, err := s.Engine.Requeue(r.Context(), r.PathValue("id"), actor(r), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, res)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.Remove(r.Context(), r.PathValue("id"), actor(r), r.URL.Query().Get("reason"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, res)
}

func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	st, err := s.Ctrl.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, st)
}

func (s *Server) handleCampaignAction(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	id := r.PathValue("id")
	user := req.UserID
	if user == "" {
		user = requestUser(r)
	}
	var (
		st  storage.AutomationState
		err error
	)
	switch r.PathValue("action") {
	case "pause":
		st, err = s.Ctrl.Pause(r.Context(), id, user, req.Reason)
	case "resume":
		st, err = s.Ctrl.Resume(r.Context(), id, user, req.Reason)
	case "manual":
		st, err = s.Ctrl.SetManual(r.Context(), id, user, req.Reason)
	case "evaluate":
		st, _, err = s.Ctrl.Evaluate(r.Context(), id)
	default:
		badRequest(w, "unknown action %q", r.PathValue("action"))
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, st)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	period := report.Period(r.URL.Query().Get("period"))
	if _, err := period.Duration(); err != nil {
		badRequest(w, "%v", err)
		return
	}
	m, err := report.Campaign(r.Context(), s.DB, r.PathValue("id"), period, time.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, m)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	c, err := s.Tracker.CheckThresholds(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, c)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aq := storage.AuditQuery{ResourceID: q.Get("resource"), Kind: q.Get("kind")}
	aq.Limit, _ = strconv.Atoi(q.Get("limit"))
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(w, "since must be RFC3339: %v", err)
			return
		}
		aq.Since = t
	}
	evs, err := s.DB.ListAudit(r.Context(), aq)
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, evs)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Prompts.Active(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, ps)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	p, err := s.Prompts.Respond(r.Context(), r.PathValue("id"), req.Response)
	if err != nil {
		s.fail(w, err)
		return
	}
	ok(w, p)
}

// handleEvents streams hub events as server-sent events until the client
// goes away. ?mode=latest coalesces per resource.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	f := notify.Filter{
		CampaignID: q.Get("campaign"),
		Statuses:   splitList(q.Get("status")),
		Types:      splitList(q.Get("type")),
		Kinds:      splitList(q.Get("kind")),
	}
	opts := notify.Options{}
	if q.Get("mode") == "latest" {
		opts.Mode = notify.LatestOnly
	}

	ctx := r.Context()
	events := make(chan notify.Event, 16)
	dispose, err := s.Hub.Subscribe("sse:"+r.RemoteAddr, f, func(ev notify.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer dispose()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev := <-events:
			b, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, b)
			flusher.Flush()
		}
	}
}
