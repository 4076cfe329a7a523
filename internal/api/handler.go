// Package api is the HTTP control surface of the loop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-loop/internal/action"
	"github.com/nidhogg/nuka-loop/internal/loop"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/notify"
	"github.com/nidhogg/nuka-loop/internal/provider"
	"github.com/nidhogg/nuka-loop/internal/store"
	"github.com/nidhogg/nuka-loop/internal/tasks"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers. archive, broadcaster and
// providers are optional.
type Handler struct {
	engine      *loop.Engine
	tasks       *tasks.List
	archive     *store.Store
	broadcaster *notify.Broadcaster
	providers   *provider.Router
	logger      *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(engine *loop.Engine, list *tasks.List, archive *store.Store, broadcaster *notify.Broadcaster, providers *provider.Router, logger *zap.Logger) *Handler {
	return &Handler{
		engine:      engine,
		tasks:       list,
		archive:     archive,
		broadcaster: broadcaster,
		providers:   providers,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/loop", h.loopStatus)
		r.Post("/loop/start", h.loopStart)
		r.Post("/loop/stop", h.loopStop)
		r.Post("/loop/step", h.loopStep)
		r.Post("/loop/mode", h.loopMode)
		r.Post("/reset", h.reset)

		r.Get("/events", h.listEvents)
		r.Get("/events/search", h.searchEvents)
		r.Get("/events/archive", h.archivedEvents)
		r.Get("/events/archive/stats", h.archiveStats)

		r.Get("/knowledge", h.listKnowledge)
		r.Get("/knowledge/search", h.searchKnowledge)
		r.Post("/knowledge", h.addKnowledge)
		r.Post("/knowledge/forget", h.forgetKnowledge)
		r.Delete("/knowledge/{id}", h.deleteKnowledge)

		r.Get("/actions", h.listActions)
		r.Get("/actions/search", h.searchActions)
		r.Delete("/actions/{name}", h.removeAction)
		r.Post("/actions/{name}/use", h.useAction)

		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.addTask)

		r.Get("/notifications", h.notifications)

		r.Get("/providers", h.listProviders)
		r.Get("/providers/{id}/health", h.providerHealth)
		r.Get("/providers/{id}/models", h.providerModels)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-loop"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine and registry errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, loop.ErrAlreadyRunning), errors.Is(err, loop.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, action.ErrActionNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func intQuery(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// --- loop ---

type modeRequest struct {
	Stepped bool `json:"stepped"`
}

func (h *Handler) loopStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) loopStart(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.Start(req.Stepped); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) loopStop(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Stop(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (h *Handler) loopStep(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Step(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stepped"})
}

func (h *Handler) loopMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	h.engine.SetStepped(req.Stepped)
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reset(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// --- events ---

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.Store().GetEvents(r.Context(), memory.EventFilter{
		Type:  r.URL.Query().Get("type"),
		Limit: intQuery(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) searchEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	events, err := h.engine.Store().SearchEvents(r.Context(), q, intQuery(r, "limit", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) archivedEvents(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event archive not configured"))
		return
	}
	events, err := h.archive.ListEvents(r.Context(), store.Query{
		Type:      r.URL.Query().Get("type"),
		FromEpoch: intQuery(r, "from", 0),
		ToEpoch:   intQuery(r, "to", 0),
		Limit:     intQuery(r, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) archiveStats(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event archive not configured"))
		return
	}
	counts, err := h.archive.CountByType(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// --- knowledge ---

type knowledgeRequest struct {
	Content      string  `json:"content"`
	Source       string  `json:"source"`
	Relationship string  `json:"relationship"`
	Threshold    float64 `json:"threshold"`
}

func (h *Handler) listKnowledge(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.Store().GetKnowledge(r.Context(), intQuery(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) searchKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	items, err := h.engine.Store().SearchKnowledge(r.Context(), q, intQuery(r, "limit", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) addKnowledge(w http.ResponseWriter, r *http.Request) {
	if !h.idle(w) {
		return
	}
	var req knowledgeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	k, err := h.engine.Store().AddKnowledge(r.Context(), req.Content,
		memory.KnowledgeMeta{Source: req.Source, Relationship: req.Relationship}, req.Threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (h *Handler) forgetKnowledge(w http.ResponseWriter, r *http.Request) {
	if !h.idle(w) {
		return
	}
	var req knowledgeRequest
	if !decode(w, r, &req) {
		return
	}
	removed, err := h.engine.Store().RemoveKnowledge(r.Context(), req.Content, req.Threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *Handler) deleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if !h.idle(w) {
		return
	}
	if err := h.engine.Store().RemoveKnowledgeByID(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- actions ---

type actionView struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	SuggestedAfter []string               `json:"suggested_after,omitempty"`
	NeverAfter     []string               `json:"never_after,omitempty"`
}

func viewOf(a *action.Action) actionView {
	return actionView{
		Name:           a.Name,
		Description:    a.Description,
		Parameters:     a.Parameters,
		SuggestedAfter: a.SuggestedAfter,
		NeverAfter:     a.NeverAfter,
	}
}

func views(actions []*action.Action) []actionView {
	out := make([]actionView, len(actions))
	for i, a := range actions {
		out[i] = viewOf(a)
	}
	return out
}

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, views(h.engine.Registry().List()))
}

func (h *Handler) searchActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	found, err := h.engine.Registry().Search(r.Context(), q, intQuery(r, "limit", 5))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, views(found))
}

func (h *Handler) removeAction(w http.ResponseWriter, r *http.Request) {
	if !h.idle(w) {
		return
	}
	if err := h.engine.Registry().Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// useAction dispatches by hand. The registry has a single writer, so this
// is refused while the loop runs.
func (h *Handler) useAction(w http.ResponseWriter, r *http.Request) {
	if !h.idle(w) {
		return
	}
	var args map[string]interface{}
	if !decode(w, r, &args) {
		return
	}
	res, err := h.engine.Registry().Use(r.Context(), chi.URLParam(r, "name"), args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// idle rejects writes to the stores while the loop goroutine owns them.
func (h *Handler) idle(w http.ResponseWriter) bool {
	if h.engine.Status().Running {
		writeError(w, http.StatusConflict, loop.ErrAlreadyRunning)
		return false
	}
	return true
}

// --- tasks and notifications ---

type taskRequest struct {
	Title string `json:"title"`
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tasks.All())
}

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	writeJSON(w, http.StatusCreated, h.tasks.Add(req.Title))
}

func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusOK, []notify.Record{})
		return
	}
	writeJSON(w, http.StatusOK, h.broadcaster.History(intQuery(r, "limit", 20)))
}

// --- providers ---

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		writeJSON(w, http.StatusOK, []provider.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, h.providers.Stats())
}

func (h *Handler) lookupProvider(w http.ResponseWriter, r *http.Request) (provider.Provider, bool) {
	id := chi.URLParam(r, "id")
	if h.providers != nil {
		if p, ok := h.providers.Get(id); ok {
			return p, true
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("provider %q not found", id))
	return nil, false
}

func (h *Handler) providerHealth(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookupProvider(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) providerModels(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookupProvider(w, r)
	if !ok {
		return
	}
	models, err := p.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}
