package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/internal/alerts"
	"github.com/yegors/skywarden/internal/cooldown"
	"github.com/yegors/skywarden/internal/rules"
	"github.com/yegors/skywarden/internal/safety"
	"github.com/yegors/skywarden/internal/scheduler"
	"github.com/yegors/skywarden/internal/simulation"
	"github.com/yegors/skywarden/internal/storage/sqlite"
	"github.com/yegors/skywarden/pkg/logger"
)

// RuleStore is the rule persistence used by the handlers
type RuleStore interface {
	CreateRule(ctx context.Context, def rules.Definition) (rules.Definition, error)
	UpdateRule(ctx context.Context, def rules.Definition) (rules.Definition, error)
	DeleteRule(ctx context.Context, id int64) error
	GetRule(ctx context.Context, id int64) (rules.Definition, error)
	ListRules(ctx context.Context) ([]rules.Definition, error)
}

// HistoryStore serves recent alerts and safety events
type HistoryStore interface {
	RecentAlerts(ctx context.Context, limit int) ([]alerts.TriggeredAlert, error)
	RecentSafetyEvents(ctx context.Context, limit int) ([]safety.Event, error)
}

// Poller exposes the latest aircraft snapshot
type Poller interface {
	Latest() []adsb.AircraftSnapshot
	GetStatus() adsb.Status
}

// DryRunner tests a rule without side effects
type DryRunner interface {
	TestRuleAgainstAircraft(def rules.Definition, aircraft []adsb.AircraftSnapshot) (alerts.DryRunResult, error)
}

// RuleCacheStats reports on the compiled rule cache
type RuleCacheStats interface {
	Stats() rules.CacheStats
}

// TrackCounter reports the safety monitor's tracked aircraft
type TrackCounter interface {
	TrackedCount() int
}

// TaskLister reports maintenance jobs
type TaskLister interface {
	Tasks() []scheduler.TaskInfo
}

// SimulationControl manages synthetic aircraft
type SimulationControl interface {
	CreateAircraft(seed simulation.Seed) (*simulation.SimulatedAircraft, error)
	RemoveAircraft(hex string) error
	List() []simulation.SimulatedAircraft
}

// Handler contains the API handlers
type Handler struct {
	rules      RuleStore
	history    HistoryStore
	poller     Poller
	dryRun     DryRunner
	ruleCache  RuleCacheStats
	cooldowns  cooldown.Store
	safety     TrackCounter
	tasks      TaskLister
	simulation SimulationControl
	wsClients  func() int
	logger     *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		rules:      deps.Rules,
		history:    deps.History,
		poller:     deps.Poller,
		dryRun:     deps.DryRun,
		ruleCache:  deps.RuleCache,
		cooldowns:  deps.Cooldowns,
		safety:     deps.Safety,
		tasks:      deps.Tasks,
		simulation: deps.Simulation,
		wsClients:  deps.WebSocketClients,
		logger:     deps.Logger.Named("api-handler"),
	}
}

// GetHealth is a liveness probe
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.poller.GetStatus()
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"last_fetch":    status.LastFetch,
		"last_fetch_ok": status.LastFetchOK,
	})
}

// GetStatus returns a diagnostic summary of every subsystem
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"adsb":       h.poller.GetStatus(),
		"rule_cache": h.ruleCache.Stats(),
	}

	cooldownStatus, err := h.cooldowns.Status(r.Context())
	if err != nil {
		h.logger.Warn("Cooldown status unavailable", logger.Error(err))
	}
	response["cooldowns"] = cooldownStatus

	if h.safety != nil {
		response["tracked_aircraft"] = h.safety.TrackedCount()
	}
	if h.wsClients != nil {
		response["websocket_clients"] = h.wsClients()
	}
	if h.tasks != nil {
		response["tasks"] = h.tasks.Tasks()
	}

	WriteJSON(w, http.StatusOK, response)
}

// ListRules returns every rule
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.rules.ListRules(r.Context())
	if err != nil {
		h.logger.Error("Failed to list rules", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

// GetRule returns one rule
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	def, err := h.rules.GetRule(r.Context(), id)
	if err != nil {
		h.storeError(w, "get", id, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

// CreateRule stores a new rule; the rule cache is invalidated by the store hook
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeRule(w, r)
	if !ok {
		return
	}
	def.ID = 0

	created, err := h.rules.CreateRule(r.Context(), def)
	if err != nil {
		h.storeError(w, "create", 0, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// UpdateRule replaces a rule
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	def, ok := decodeRule(w, r)
	if !ok {
		return
	}
	def.ID = id

	updated, err := h.rules.UpdateRule(r.Context(), def)
	if err != nil {
		h.storeError(w, "update", id, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// DeleteRule removes a rule and its cooldown entries
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := h.rules.DeleteRule(r.Context(), id); err != nil {
		h.storeError(w, "delete", id, err)
		return
	}

	cleared, err := h.cooldowns.ClearRule(r.Context(), cooldown.RuleScope(id))
	if err != nil {
		h.logger.Warn("Failed to clear cooldowns for deleted rule", logger.Int64("rule_id", id), logger.Error(err))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": id, "cooldowns_cleared": cleared})
}

type dryRunRequest struct {
	Rule     rules.Definition        `json:"rule"`
	Aircraft []adsb.AircraftSnapshot `json:"aircraft"`
}

// TestRule dry-runs a rule against posted aircraft, or the latest snapshot when none are given
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	aircraft := req.Aircraft
	if aircraft == nil {
		aircraft = h.poller.Latest()
	}

	result, err := h.dryRun.TestRuleAgainstAircraft(req.Rule, aircraft)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// ClearCooldowns removes every entry under a scope such as "rule:12" or "safety:7700"
func (h *Handler) ClearCooldowns(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required")
		return
	}
	n, err := h.cooldowns.ClearRule(r.Context(), scope)
	if err != nil {
		h.logger.Error("Failed to clear cooldowns", logger.String("scope", scope), logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cooldown store unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scope": scope, "cleared": n})
}

// GetCooldownStatus returns the cooldown store summary
func (h *Handler) GetCooldownStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.cooldowns.Status(r.Context())
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// GetRecentAlerts returns alert history, newest first
func (h *Handler) GetRecentAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := h.history.RecentAlerts(r.Context(), limitParam(r))
	if err != nil {
		h.logger.Error("Failed to query alerts", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

// GetRecentSafetyEvents returns safety event history, newest first
func (h *Handler) GetRecentSafetyEvents(w http.ResponseWriter, r *http.Request) {
	list, err := h.history.RecentSafetyEvents(r.Context(), limitParam(r))
	if err != nil {
		h.logger.Error("Failed to query safety events", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query safety events")
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

// GetTasks lists maintenance jobs
func (h *Handler) GetTasks(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.tasks.Tasks())
}

type simulatedAircraftRequest struct {
	Flight       string  `json:"flight"`
	Squawk       string  `json:"squawk"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	Altitude     float64 `json:"altitude"`
	Heading      float64 `json:"heading"`
	Speed        float64 `json:"speed"`
	VerticalRate float64 `json:"vertical_rate"`
}

// GetSimulatedAircraft lists synthetic aircraft
func (h *Handler) GetSimulatedAircraft(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.simulation.List())
}

// CreateSimulatedAircraft injects a synthetic aircraft into subsequent polls
func (h *Handler) CreateSimulatedAircraft(w http.ResponseWriter, r *http.Request) {
	var req simulatedAircraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	aircraft, err := h.simulation.CreateAircraft(simulation.Seed{
		Flight:       req.Flight,
		Squawk:       req.Squawk,
		Lat:          req.Lat,
		Lon:          req.Lon,
		Altitude:     req.Altitude,
		Heading:      req.Heading,
		Speed:        req.Speed,
		VerticalRate: req.VerticalRate,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, aircraft)
}

// RemoveSimulatedAircraft removes a synthetic aircraft
func (h *Handler) RemoveSimulatedAircraft(w http.ResponseWriter, r *http.Request) {
	hex := chi.URLParam(r, "hex")
	if err := h.simulation.RemoveAircraft(hex); err != nil {
		if errors.Is(err, simulation.ErrAircraftNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storeError(w http.ResponseWriter, op string, id int64, err error) {
	switch {
	case errors.Is(err, sqlite.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, sqlite.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Rule store failure", logger.String("op", op), logger.Int64("rule_id", id), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "rule store failure")
	}
}

// decodeRule reads a rule body; enabled defaults to true when omitted
func decodeRule(w http.ResponseWriter, r *http.Request) (rules.Definition, bool) {
	def := rules.Definition{Enabled: true}
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return def, false
	}
	return def, true
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return 0, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return sqlite.DefaultHistoryLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
