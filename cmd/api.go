package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/extract"
	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/source"
)

// maxRequestBytes caps POST /v1/extract bodies.
const maxRequestBytes = 4 << 20

// extractRequest is the POST /v1/extract body. When HTML is empty the page
// is fetched from URL.
type extractRequest struct {
	HTML              string `json:"html"`
	URL               string `json:"url"`
	Title             string `json:"title"`
	ComponentTypeHint string `json:"componentTypeHint"`
	Category          string `json:"category"`
	NoGenerate        bool   `json:"noGenerate"`
}

type errorResponse struct {
	Error string          `json:"error"`
	Kind  model.ErrorKind `json:"kind,omitempty"`
}

// newRouter builds the HTTP API around env.
func newRouter(env *appEnv, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := &apiHandler{env: env}
	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", h.extract)
		r.Get("/templates", h.listTemplates)
		r.Get("/templates/{id}", h.getTemplate)
		r.Get("/templates/{id}/usage", h.listUsage)
		r.Get("/stats", h.stats)
	})
	return r
}

type apiHandler struct {
	env *appEnv
}

func (h *apiHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generating": h.env.Generating,
	})
}

func (h *apiHandler) extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	ctx := r.Context()
	html, pageURL := req.HTML, req.URL
	if html == "" {
		if !source.IsURL(req.URL) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "html or an http(s) url is required"})
			return
		}
		doc, err := h.env.Source.Load(ctx, req.URL)
		if err != nil {
			writeError(w, err)
			return
		}
		html, pageURL = doc.HTML, doc.URL
	}

	start := time.Now()
	res, err := h.env.Orchestrator.Extract(ctx, extract.Request{
		HTML:              html,
		URL:               pageURL,
		Title:             req.Title,
		ComponentTypeHint: req.ComponentTypeHint,
		Category:          req.Category,
		NoGenerate:        req.NoGenerate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	zap.L().Info("api: extraction complete",
		zap.String("source", pageURL),
		zap.String("template_id", res.TemplateID),
		zap.Bool("success", res.Success),
		zap.Duration("elapsed", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, res)
}

func (h *apiHandler) listTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		ts  []model.Template
		err error
	)
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		ts, err = h.env.Store.ListTemplates(ctx, true)
	} else {
		ts, err = h.env.Store.ListActiveTemplates(ctx, r.URL.Query().Get("category"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if ts == nil {
		ts = []model.Template{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *apiHandler) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.env.Store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *apiHandler) listUsage(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.env.Store.ListUsage(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []model.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *apiHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.env.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if stats == nil {
		stats = []model.TemplateStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	var blocked *source.BlockedError
	if errors.As(err, &blocked) {
		return http.StatusBadGateway
	}
	switch model.KindOf(err) {
	case model.KindNotFound, model.KindNoMatch:
		return http.StatusNotFound
	case model.KindHardFailure:
		return http.StatusUnprocessableEntity
	case model.KindConflict:
		return http.StatusConflict
	case model.KindGenerationFailure, model.KindInvalidTemplate:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: model.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
