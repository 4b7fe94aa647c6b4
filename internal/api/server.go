package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"slotflow/internal/domain"
	"slotflow/internal/orchestrator"
	"slotflow/internal/recurrence"
	"slotflow/internal/slots"
	"slotflow/internal/store"
)

// Server is the thin administrative surface over the scheduler core. The
// heavy lifting stays in the services; handlers just decode, call and encode.
type Server struct {
	repo  store.Repository
	alloc *slots.Allocator
	rec   *recurrence.Service
	orch  *orchestrator.Orchestrator
	loc   *time.Location
}

func NewServer(repo store.Repository, alloc *slots.Allocator, rec *recurrence.Service, orch *orchestrator.Orchestrator, loc *time.Location) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{repo: repo, alloc: alloc, rec: rec, orch: orch, loc: loc}

	r.Get("/health", s.health)
	r.Post("/api/configs", s.createConfig)
	r.Get("/api/configs", s.listConfigs)
	r.Get("/api/configs/{id}", s.getConfig)
	r.Post("/api/configs/{id}/pause", s.pauseConfig)
	r.Post("/api/configs/{id}/resume", s.resumeConfig)
	r.Post("/api/configs/{id}/trigger", s.triggerConfig)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/cancel", s.cancelTask)
	r.Post("/api/slots/generate", s.generateSlots)
	r.Get("/api/slots/next", s.nextSlot)
	r.Post("/api/slots/rebalance", s.rebalanceSlots)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type paramsReq struct {
	At        string     `json:"at"`
	Weekdays  []int      `json:"weekdays"`
	MonthDays []int      `json:"month_days"`
	Every     string     `json:"every"`
	CronExpr  string     `json:"cron_expr"`
	RunAt     *time.Time `json:"run_at"`
}

type configReq struct {
	Name         string    `json:"name"`
	PipelineID   string    `json:"pipeline_id"`
	AccountGroup string    `json:"account_group"`
	Kind         string    `json:"kind"`
	Params       paramsReq `json:"params"`
	Priority     int       `json:"priority"`
}

func (s *Server) createConfig(w http.ResponseWriter, r *http.Request) {
	var req configReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.PipelineID == "" || req.AccountGroup == "" || req.Kind == "" {
		http.Error(w, "name, pipeline_id, account_group and kind are required", 400)
		return
	}

	params := domain.RecurrenceParams{
		At:        req.Params.At,
		MonthDays: req.Params.MonthDays,
		CronExpr:  req.Params.CronExpr,
		RunAt:     req.Params.RunAt,
	}
	for _, d := range req.Params.Weekdays {
		params.Weekdays = append(params.Weekdays, time.Weekday(d))
	}
	if req.Params.Every != "" {
		every, err := time.ParseDuration(req.Params.Every)
		if err != nil {
			http.Error(w, "invalid params.every: "+err.Error(), 400)
			return
		}
		params.Every = every
	}

	cfg := domain.ScheduleConfig{
		Name:         req.Name,
		PipelineID:   req.PipelineID,
		AccountGroup: req.AccountGroup,
		Kind:         domain.RecurrenceKind(req.Kind),
		Params:       params,
		Priority:     req.Priority,
		Active:       true,
	}
	next, err := recurrence.NextRun(cfg, time.Now(), s.loc)
	if err != nil {
		writeErr(w, err)
		return
	}
	cfg.NextRunAt = &next

	id, err := s.repo.CreateConfig(r.Context(), cfg)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "next_run_at": next.Format(time.RFC3339)})
}

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.repo.ListConfigs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(configs))
	for _, c := range configs {
		out = append(out, configView(c))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	c, err := s.repo.GetConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, configView(c))
}

func (s *Server) pauseConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Resume(r.Context(), chi.URLParam(r, "id"), time.Now()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerConfig(w http.ResponseWriter, r *http.Request) {
	id, err := s.orch.TriggerNow(r.Context(), chi.URLParam(r, "id"), time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	view := map[string]any{
		"id":              t.ID,
		"config_id":       t.ConfigID,
		"account_id":      t.AccountID,
		"slot_id":         t.SlotID,
		"pipeline_status": t.PipelineStatus,
		"publish_status":  t.PublishStatus,
		"priority":        t.Priority,
		"retry_count":     t.RetryCount,
		"error_message":   t.ErrorMessage,
		"created_at":      t.CreatedAt.Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		view["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	writeJSON(w, 200, view)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.CancelTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateReq struct {
	ConfigID  string   `json:"config_id"`
	Accounts  []string `json:"accounts"`
	Date      string   `json:"date"` // "2006-01-02", defaults to today
	StartHour int      `json:"start_hour"`
	EndHour   int      `json:"end_hour"`
	Strategy  string   `json:"strategy"`
}

func (s *Server) generateSlots(w http.ResponseWriter, r *http.Request) {
	req, target, ok := s.decodeGenerate(w, r)
	if !ok {
		return
	}
	out, err := s.alloc.GenerateSlots(r.Context(), req.ConfigID, req.Accounts, target, req.StartHour, req.EndHour, slots.Strategy(req.Strategy))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, slotViews(out))
}

func (s *Server) rebalanceSlots(w http.ResponseWriter, r *http.Request) {
	req, target, ok := s.decodeGenerate(w, r)
	if !ok {
		return
	}
	out, err := s.alloc.Rebalance(r.Context(), req.ConfigID, target, req.Accounts, req.StartHour, req.EndHour, slots.Strategy(req.Strategy))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, slotViews(out))
}

func (s *Server) decodeGenerate(w http.ResponseWriter, r *http.Request) (generateReq, time.Time, bool) {
	var req generateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return req, time.Time{}, false
	}
	if req.ConfigID == "" {
		http.Error(w, "config_id is required", 400)
		return req, time.Time{}, false
	}
	if req.Strategy == "" {
		req.Strategy = string(slots.StrategyEven)
	}
	target := time.Now().In(s.loc)
	if req.Date != "" {
		var err error
		target, err = time.ParseInLocation(domain.SlotDateLayout, req.Date, s.loc)
		if err != nil {
			http.Error(w, "invalid date: "+err.Error(), 400)
			return req, time.Time{}, false
		}
	}
	return req, target, true
}

func (s *Server) nextSlot(w http.ResponseWriter, r *http.Request) {
	configID := r.URL.Query().Get("config_id")
	if configID == "" {
		http.Error(w, "config_id is required", 400)
		return
	}
	from := time.Now()
	if raw := r.URL.Query().Get("from"); raw != "" {
		var err error
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid from: "+err.Error(), 400)
			return
		}
	}
	slot, err := s.alloc.NextPending(r.Context(), configID, from)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, slotView(slot))
}

func configView(c domain.ScheduleConfig) map[string]any {
	view := map[string]any{
		"id":            c.ID,
		"name":          c.Name,
		"pipeline_id":   c.PipelineID,
		"account_group": c.AccountGroup,
		"kind":          c.Kind,
		"priority":      c.Priority,
		"active":        c.Active,
	}
	if c.LastRunAt != nil {
		view["last_run_at"] = c.LastRunAt.Format(time.RFC3339)
	}
	if c.NextRunAt != nil {
		view["next_run_at"] = c.NextRunAt.Format(time.RFC3339)
	}
	return view
}

func slotView(s domain.TimeSlot) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"config_id":  s.ConfigID,
		"account_id": s.AccountID,
		"date":       s.Date,
		"hour":       s.Hour,
		"minute":     s.Minute,
		"index":      s.Index,
		"status":     s.Status,
		"task_id":    s.TaskID,
	}
}

func slotViews(in []domain.TimeSlot) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, s := range in {
		out = append(out, slotView(s))
	}
	return out
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), 404)
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), 400)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
