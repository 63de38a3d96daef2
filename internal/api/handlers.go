package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"rainfall-scorer/internal/dataset"
	"rainfall-scorer/internal/evaluation"
	"rainfall-scorer/internal/features"
	"rainfall-scorer/internal/ml"
	"rainfall-scorer/internal/pipeline"
	"rainfall-scorer/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	MaxFileSize     = 100 * 1024 * 1024 // 100MB
	defaultPageSize = 100
	exportBase      = "predictions"
)

// ModelManager is the part of *ml.Adapter the API drives.
type ModelManager interface {
	Load(ctx context.Context, d ml.ModelDescriptor) error
	IsReady() bool
	State() ml.State
	LastError() error
	Descriptor() ml.ModelDescriptor
	Unit() string
	Predict(ctx context.Context, v []float32) (string, error)
	History() []float64
}

// RunStore is the read side of the run archive. *storage.Store implements it.
type RunStore interface {
	ListRuns() ([]storage.Run, error)
	GetRun(id string) (storage.Run, error)
	GetScores(runID string) ([]storage.Score, error)
	DeleteRun(id string) error
}

// HandlerOptions configures a Handler. Every field is optional.
type HandlerOptions struct {
	// DefaultModel fills in any path missing from a load request.
	DefaultModel ml.ModelDescriptor
	OutputDir    string
	Runs         RunStore
}

type Handler struct {
	session   *pipeline.Session
	model     ModelManager
	runs      RunStore
	defaults  ml.ModelDescriptor
	outputDir string
}

func NewHandler(session *pipeline.Session, model ModelManager, opts HandlerOptions) *Handler {
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	return &Handler{
		session:   session,
		model:     model,
		runs:      opts.Runs,
		defaults:  opts.DefaultModel,
		outputDir: outputDir,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HealthCheck)

	r.Get("/api/model", h.GetModel)
	r.Post("/api/model", h.LoadModel)

	r.Get("/api/dataset", h.GetDataset)
	r.Post("/api/dataset", h.UploadDataset)
	r.Delete("/api/dataset", h.ClearDataset)

	r.Post("/api/predict", h.StartPass)
	r.Get("/api/predict", h.GetPass)
	r.Post("/api/predict/row", h.PredictRow)

	r.Get("/api/evaluate", h.Evaluate)
	r.Post("/api/compare", h.Compare)
	r.Get("/api/export", h.DownloadExport)
	r.Post("/api/export", h.SaveExport)

	r.Get("/api/runs", h.ListRuns)
	r.Get("/api/runs/{id}", h.GetRun)
	r.Get("/api/runs/{id}/scores", h.GetScores)
	r.Delete("/api/runs/{id}", h.DeleteRun)
}

// ============================================================================
// Responses
// ============================================================================

type errorResponse struct {
	Error       string               `json:"error"`
	Diagnostics []dataset.Diagnostic `json:"diagnostics,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: pipeline.Describe(err)})
}

func statusFor(err error) int {
	var loadErr *ml.LoadError
	switch {
	case errors.As(err, &loadErr):
		if loadErr.Kind == ml.KindServiceUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrPassInProgress):
		return http.StatusConflict
	case errors.Is(err, storage.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ml.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, dataset.ErrMissingColumns),
		errors.Is(err, dataset.ErrMissingScoredColumns),
		errors.Is(err, pipeline.ErrNothingToScore),
		errors.Is(err, evaluation.ErrEmptyInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrNoData),
		errors.Is(err, ml.ErrNotReady),
		errors.Is(err, ml.ErrInvalidWidth),
		errors.Is(err, dataset.ErrUnreadable):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ============================================================================
// Health and model
// ============================================================================

type modelStatus struct {
	State   string             `json:"state"`
	Ready   bool               `json:"ready"`
	Unit    string             `json:"unit"`
	Model   ml.ModelDescriptor `json:"model"`
	Error   string             `json:"error,omitempty"`
	History int                `json:"history"`
}

func (h *Handler) modelStatus() modelStatus {
	st := modelStatus{
		State:   h.model.State().String(),
		Ready:   h.model.IsReady(),
		Unit:    h.model.Unit(),
		Model:   h.model.Descriptor(),
		History: len(h.model.History()),
	}
	if err := h.model.LastError(); err != nil {
		st.Error = pipeline.Describe(err)
	}
	return st
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"model":   h.model.State().String(),
		"running": h.session.Running(),
	})
}

func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.modelStatus())
}

// LoadModel loads the model and scaler named in the body. Missing paths fall back to
// the configured defaults; an empty body reloads the defaults.
func (h *Handler) LoadModel(w http.ResponseWriter, r *http.Request) {
	var req ml.ModelDescriptor
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON"})
			return
		}
	}
	if req.ModelPath == "" {
		req.ModelPath = h.defaults.ModelPath
	}
	if req.MeanPath == "" {
		req.MeanPath = h.defaults.MeanPath
	}
	if req.ScalePath == "" {
		req.ScalePath = h.defaults.ScalePath
	}

	err := h.session.Exclusive(func() error {
		return h.model.Load(r.Context(), req)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.modelStatus())
}

// ============================================================================
// Dataset
// ============================================================================

type rowView struct {
	Index       int      `json:"index"`
	Height      float32  `json:"height"`
	MinMeanTemp float32  `json:"minMeanTemp"`
	MaxMeanTemp float32  `json:"maxMeanTemp"`
	MeanRelHum  float32  `json:"meanRelHum"`
	State       string   `json:"state"`
	Actual      *float64 `json:"actual,omitempty"`
	Prediction  string   `json:"prediction"`
}

type datasetView struct {
	Source string          `json:"source"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Rows   []rowView       `json:"rows"`
	Load   *dataset.Result `json:"load,omitempty"`
}

func newRowView(i int, rec *dataset.Record) rowView {
	v := rowView{Index: i, State: rec.State, Actual: rec.Target, Prediction: rec.Prediction()}
	if len(rec.Features) >= features.NumericWidth {
		v.Height = rec.Features[0]
		v.MinMeanTemp = rec.Features[1]
		v.MaxMeanTemp = rec.Features[2]
		v.MeanRelHum = rec.Features[3]
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}

// GetDataset pages through the current rows with ?offset= and ?limit=.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	rows := h.session.Rows()
	if rows == nil {
		writeError(w, pipeline.ErrNoData)
		return
	}

	offset := min(queryInt(r, "offset", 0), len(rows))
	end := min(offset+queryInt(r, "limit", defaultPageSize), len(rows))

	view := datasetView{
		Source: h.session.Source(),
		Total:  len(rows),
		Offset: offset,
		Rows:   make([]rowView, 0, end-offset),
		Load:   h.session.Dataset(),
	}
	for i := offset; i < end; i++ {
		view.Rows = append(view.Rows, newRowView(i, rows[i]))
	}
	writeJSON(w, http.StatusOK, view)
}

// openUpload returns the uploaded CSV, either the multipart "file" field or the raw body.
func openUpload(w http.ResponseWriter, r *http.Request) (io.ReadCloser, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxFileSize)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", err
		}
		return file, header.Filename, nil
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload.csv"
	}
	return r.Body, name, nil
}

// UploadDataset replaces the current dataset. A failed load keeps the previous one.
func (h *Handler) UploadDataset(w http.ResponseWriter, r *http.Request) {
	body, name, err := openUpload(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Error retrieving file: " + err.Error()})
		return
	}
	defer body.Close()

	res, err := h.session.LoadReader(name, body)
	if err != nil {
		resp := errorResponse{Error: pipeline.Describe(err)}
		if res != nil {
			resp.Diagnostics = res.Diagnostics
		}
		writeJSON(w, statusFor(err), resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"source":      name,
		"rows":        len(res.Rows),
		"skipped":     res.Skipped,
		"columns":     res.Columns,
		"diagnostics": res.Diagnostics,
	})
}

func (h *Handler) ClearDataset(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Clear(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Prediction
// ============================================================================

// StartPass starts a background pass. Progress is available on /api/predict/stream and
// the outcome on GET /api/predict once it finishes.
func (h *Handler) StartPass(w http.ResponseWriter, r *http.Request) {
	// the pass outlives this request
	ch, err := h.session.PredictAll(context.Background())
	if err != nil {
		writeError(w, err)
		return
	}

	total := len(h.session.Rows())
	go func() {
		sum := pipeline.Wait(ch, nil)
		if sum.Err != nil {
			log.Warn().Err(sum.Err).Str("run_id", sum.RunID).Msg("Background pass stopped early")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "total": total})
}

func (h *Handler) GetPass(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"running": h.session.Running()}
	if run, ok := h.session.LastRun(); ok {
		resp["last_run"] = run
	}
	writeJSON(w, http.StatusOK, resp)
}

type rowRequest struct {
	Height      float32 `json:"height"`
	MinMeanTemp float32 `json:"minMeanTemp"`
	MaxMeanTemp float32 `json:"maxMeanTemp"`
	MeanRelHum  float32 `json:"meanRelHum"`
	State       string  `json:"state"`
}

// PredictRow scores a single observation without touching the dataset.
func (h *Handler) PredictRow(w http.ResponseWriter, r *http.Request) {
	var req rowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON"})
		return
	}

	v := features.Build(req.Height, req.MinMeanTemp, req.MaxMeanTemp, req.MeanRelHum, req.State)
	prediction, err := h.model.Predict(r.Context(), v)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prediction": prediction})
}

// ============================================================================
// Evaluation and export
// ============================================================================

type evaluationResponse struct {
	Metrics evaluation.Metrics `json:"metrics"`
	Summary string             `json:"summary"`
	Skipped int                `json:"skipped,omitempty"`
}

func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	m, err := h.session.Evaluate()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluationResponse{Metrics: m, Summary: m.String()})
}

// Compare evaluates an uploaded export file (Actual and Prediction columns).
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	body, _, err := openUpload(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Error retrieving file: " + err.Error()})
		return
	}
	defer body.Close()

	scored, err := dataset.ReadScored(body)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := evaluation.Evaluate(scored.Actuals, scored.Predictions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluationResponse{Metrics: m, Summary: m.String(), Skipped: scored.Skipped})
}

func (h *Handler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	if h.session.Dataset() == nil {
		writeError(w, pipeline.ErrNoData)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportBase+`.csv"`)
	if err := h.session.ExportCSV(w); err != nil {
		log.Error().Err(err).Msg("Failed to stream export")
	}
}

// SaveExport writes the dataset to the next free numbered file in the output directory.
func (h *Handler) SaveExport(w http.ResponseWriter, r *http.Request) {
	path, err := h.session.ExportNext(h.outputDir, exportBase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// ============================================================================
// Run archive
// ============================================================================

func (h *Handler) withRuns(w http.ResponseWriter) bool {
	if h.runs == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Run archive is disabled"})
		return false
	}
	return true
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.withRuns(w) {
		return
	}
	runs, err := h.runs.ListRuns()
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.withRuns(w) {
		return
	}
	run, err := h.runs.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) GetScores(w http.ResponseWriter, r *http.Request) {
	if !h.withRuns(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.runs.GetRun(id); err != nil {
		writeError(w, err)
		return
	}
	scores, err := h.runs.GetScores(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if scores == nil {
		scores = []storage.Score{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "scores": scores})
}

func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	if !h.withRuns(w) {
		return
	}
	if err := h.runs.DeleteRun(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
