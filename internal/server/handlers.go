package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/di"
	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/events"
)

type handlers struct {
	c   *di.Container
	log zerolog.Logger
}

func newHandlers(c *di.Container, log zerolog.Logger) *handlers {
	return &handlers{c: c, log: log.With().Str("component", "handlers").Logger()}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

// --- pipeline ---

type ingestRequest struct {
	SourceID   int64  `json:"source_id"`
	TargetID   int64  `json:"target_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	ObservedAt int64  `json:"observed_at"` // unix seconds, 0 = now
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TargetID == 0 || req.Title == "" {
		writeError(w, http.StatusBadRequest, errors.New("target_id and title are required"))
		return
	}
	observed := time.Now()
	if req.ObservedAt > 0 {
		observed = time.Unix(req.ObservedAt, 0)
	}

	result, err := h.c.PipelineService.Ingest(r.Context(), domain.RawItem{
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		Title:      req.Title,
		Body:       req.Body,
		ObservedAt: observed,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- universes and targets ---

func (h *handlers) createUniverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug   string `json:"slug"`
		Name   string `json:"name"`
		Domain string `json:"domain"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.c.UniverseRepo.CreateUniverse(domain.Universe{
		Slug:           req.Slug,
		Name:           req.Name,
		OrganizationID: h.c.Config.OrganizationID,
		Domain:         req.Domain,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handlers) createTarget(w http.ResponseWriter, r *http.Request) {
	universeID, err := int64Param(r, "universeID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Metadata string `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.c.UniverseRepo.CreateTarget(domain.Target{
		Symbol:     req.Symbol,
		UniverseID: universeID,
		Name:       req.Name,
		Metadata:   req.Metadata,
		Active:     true,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handlers) listTargets(w http.ResponseWriter, r *http.Request) {
	universeID, err := int64Param(r, "universeID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	targets, err := h.c.UniverseRepo.ListTargets(universeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

// --- sources ---

func (h *handlers) createSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug          string `json:"slug"`
		Name          string `json:"name"`
		Domain        string `json:"domain"`
		URL           string `json:"url"`
		FetchSchedule string `json:"fetch_schedule"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.c.SourceRepo.Create(domain.Source{
		Slug:          req.Slug,
		Name:          req.Name,
		Domain:        req.Domain,
		URL:           req.URL,
		FetchSchedule: req.FetchSchedule,
		Enabled:       true,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// --- analysts ---

func (h *handlers) createAnalyst(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug                 string  `json:"slug"`
		Name                 string  `json:"name"`
		ScopeLevel           string  `json:"scope_level"`
		Domain               string  `json:"domain"`
		UniverseID           int64   `json:"universe_id"`
		TargetID             int64   `json:"target_id"`
		Weight               float64 `json:"weight"`
		DefaultTier          string  `json:"default_tier"`
		InstructionsStandard string  `json:"instructions_standard"`
		InstructionsCheap    string  `json:"instructions_cheap"`
		InstructionsPremium  string  `json:"instructions_premium"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.c.AnalystRepo.Create(domain.Analyst{
		Slug:                 req.Slug,
		Name:                 req.Name,
		ScopeLevel:           domain.ScopeLevel(req.ScopeLevel),
		Domain:               req.Domain,
		UniverseID:           req.UniverseID,
		TargetID:             req.TargetID,
		Weight:               req.Weight,
		DefaultTier:          domain.Tier(req.DefaultTier),
		InstructionsStandard: req.InstructionsStandard,
		InstructionsCheap:    req.InstructionsCheap,
		InstructionsPremium:  req.InstructionsPremium,
		Enabled:              true,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handlers) upsertOverride(w http.ResponseWriter, r *http.Request) {
	analystID, err := int64Param(r, "analystID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		UniverseID int64    `json:"universe_id"`
		TargetID   int64    `json:"target_id"`
		Weight     *float64 `json:"weight"`
		Tier       *string  `json:"tier"`
		Enabled    *bool    `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	override := domain.AnalystOverride{
		AnalystID:  analystID,
		UniverseID: req.UniverseID,
		TargetID:   req.TargetID,
		Weight:     req.Weight,
		Enabled:    req.Enabled,
	}
	if req.Tier != nil {
		t := domain.Tier(*req.Tier)
		override.Tier = &t
	}
	if err := h.c.AnalystRepo.UpsertOverride(override); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) setAnalystEnabled(w http.ResponseWriter, r *http.Request) {
	analystID, err := int64Param(r, "analystID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.c.AnalystRepo.SetEnabled(analystID, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- predictions ---

func (h *handlers) generatePredictions(w http.ResponseWriter, r *http.Request) {
	targetID, err := int64Param(r, "targetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	gate, err := h.c.PipelineService.GeneratePredictions(targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

func (h *handlers) activePrediction(w http.ResponseWriter, r *http.Request) {
	targetID, err := int64Param(r, "targetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pred, err := h.c.PredictionRepo.GetActiveForTarget(targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pred == nil {
		writeError(w, http.StatusNotFound, errors.New("no active prediction"))
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (h *handlers) getPrediction(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "predictionID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pred, err := h.c.PredictionRepo.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pred == nil {
		writeError(w, http.StatusNotFound, errors.New("prediction not found"))
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

type resolveRequest struct {
	RealizedDirection string    `json:"realized_direction"`
	ChangePct         float64   `json:"change_pct"`
	Closes            []float64 `json:"closes"`
	Highs             []float64 `json:"highs"`
	Lows              []float64 `json:"lows"`
}

func (h *handlers) resolvePrediction(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "predictionID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	direction := domain.Direction(req.RealizedDirection)
	if !direction.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid realized_direction %q", req.RealizedDirection))
		return
	}

	eval, err := h.c.EvaluationService.Evaluate(id, domain.Outcome{
		RealizedDirection: direction,
		ChangePct:         req.ChangePct,
		Closes:            req.Closes,
		Highs:             req.Highs,
		Lows:              req.Lows,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	h.c.PipelineService.RecordEvaluation(*eval)
	writeJSON(w, http.StatusOK, eval)
}

// --- review ---

func (h *handlers) pendingReviews(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.c.ReviewService.ListPending(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) submitReview(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "signalID")
	var req struct {
		Direction  string  `json:"direction"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	gate, err := h.c.ReviewService.Submit(signalID, domain.Direction(req.Direction), req.Confidence, req.Reasoning)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.c.Bus.Publish(events.TypeReviewResolved, map[string]interface{}{
		"signal_id": signalID,
		"direction": req.Direction,
	})
	if gate == nil {
		writeJSON(w, http.StatusOK, map[string]string{"disposition": "discarded"})
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

// --- learnings ---

func (h *handlers) addHumanLearning(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string `json:"content"`
		Kind       string `json:"kind"`
		ScopeLevel string `json:"scope_level"`
		Domain     string `json:"domain"`
		UniverseID int64  `json:"universe_id"`
		TargetID   int64  `json:"target_id"`
		AnalystID  int64  `json:"analyst_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.c.LearningService.AddHumanLearning(domain.Learning{
		Content:    req.Content,
		Kind:       domain.LearningKind(req.Kind),
		ScopeLevel: domain.ScopeLevel(req.ScopeLevel),
		Domain:     req.Domain,
		UniverseID: req.UniverseID,
		TargetID:   req.TargetID,
		AnalystID:  req.AnalystID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handlers) pendingLearnings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.c.LearningService.ListPending(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) approveLearning(w http.ResponseWriter, r *http.Request) {
	entryID, err := int64Param(r, "entryID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	learned, err := h.c.LearningService.Approve(entryID)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	h.c.Bus.Publish(events.TypeLearningDecided, map[string]interface{}{
		"queue_entry_id": entryID,
		"decision":       "approved",
	})
	writeJSON(w, http.StatusOK, learned)
}

func (h *handlers) rejectLearning(w http.ResponseWriter, r *http.Request) {
	entryID, err := int64Param(r, "entryID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.c.LearningService.Reject(entryID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	h.c.Bus.Publish(events.TypeLearningDecided, map[string]interface{}{
		"queue_entry_id": entryID,
		"decision":       "rejected",
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- replay ---

func (h *handlers) listReplayTests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tests, err := h.c.ReplayHarness.ListTests(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func (h *handlers) createReplayTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Depth      string `json:"depth"`
		RollbackAt int64  `json:"rollback_at"`
		TargetID   int64  `json:"target_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	test, err := h.c.ReplayHarness.Create(domain.ReplayDepth(req.Depth), time.Unix(req.RollbackAt, 0), req.TargetID)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

func (h *handlers) getReplayTest(w http.ResponseWriter, r *http.Request) {
	test, err := h.c.ReplayHarness.GetTest(chi.URLParam(r, "testID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if test == nil {
		writeError(w, http.StatusNotFound, errors.New("replay test not found"))
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (h *handlers) snapshotReplayTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	if err := h.c.ReplayHarness.Snapshot(testID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	h.c.Bus.Publish(events.TypeReplayProgress, map[string]interface{}{"test_id": testID, "stage": "snapshot_created"})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) runReplayTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	if err := h.c.ReplayHarness.Run(r.Context(), testID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	h.c.Bus.Publish(events.TypeReplayProgress, map[string]interface{}{"test_id": testID, "stage": "completed"})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) restoreReplayTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	if err := h.c.ReplayHarness.Restore(testID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	h.c.Bus.Publish(events.TypeReplayProgress, map[string]interface{}{"test_id": testID, "stage": "restored"})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) replayResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.c.ReplayHarness.Results(chi.URLParam(r, "testID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handlers) replaySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.c.ReplayHarness.Summarize(chi.URLParam(r, "testID"))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- monitoring ---

func (h *handlers) funnel(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}
	report, err := h.c.PipelineService.Funnel(time.Now().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) recentCrawls(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.c.SourceRepo.RecentCrawlRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) targetAccuracy(w http.ResponseWriter, r *http.Request) {
	targetID, err := int64Param(r, "targetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hitRate, meanScore, n, err := h.c.EvaluationService.AccuracyForTarget(targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target_id":  targetID,
		"hit_rate":   hitRate,
		"mean_score": meanScore,
		"count":      n,
	})
}

// --- settings ---

func (h *handlers) listSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.c.SettingsRepo.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *handlers) putSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.c.SettingsRepo.Set(key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
