package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"memoire/internal/ingest"
	"memoire/internal/models"
	"memoire/internal/rag"
)

type askRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type documentRequest struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

type documentResponse struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// Handler serves the conversational API on top of an Engine.
type Handler struct {
	engine     *rag.Engine
	ingestOpts ingest.Options
	log        zerolog.Logger

	mu       sync.Mutex
	ingestor *ingest.Ingestor
}

func NewHandler(engine *rag.Engine, ingestOpts ingest.Options, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, ingestOpts: ingestOpts, log: logger}
}

// HandleAsk handles POST /ask. The body of the reply is always a Response; only
// an engine that cannot initialise turns into a 500.
func (h *Handler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, models.Response{
			Answer:  "Invalid JSON: " + err.Error(),
			Sources: []models.Source{},
			Status:  models.StatusDegraded,
		})
		return
	}
	session := strings.TrimSpace(req.SessionID)
	if session == "" {
		session = models.DefaultSession
	}

	resp := h.engine.Ask(r.Context(), session, req.Message)
	sendJSON(w, resp.HTTPStatus(), resp)
}

// HandleDocuments handles POST /documents.
func (h *Handler) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, documentResponse{Message: "Invalid JSON: " + err.Error()})
		return
	}

	in, err := h.getIngestor(r)
	if err != nil {
		h.log.Error().Err(err).Msg("Ingestion unavailable")
		sendJSON(w, http.StatusServiceUnavailable, documentResponse{Message: models.InitFailedAnswer})
		return
	}

	id, err := in.IngestText(r.Context(), models.Document{ID: req.ID, Text: req.Text, Metadata: req.Metadata})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		h.log.Error().Err(err).Str("id", req.ID).Msg("Ingesting document failed")
		sendJSON(w, status, documentResponse{Message: err.Error()})
		return
	}
	sendJSON(w, http.StatusCreated, documentResponse{ID: id, Success: true})
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	state := h.engine.State()
	resp := healthResponse{Status: "ok", State: state.String()}
	code := http.StatusOK
	if state == rag.StateFailedInit {
		resp.Status = "unavailable"
		if err := h.engine.InitError(); err != nil {
			resp.Error = err.Error()
		}
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, resp)
}

// getIngestor shares the engine's embedder and store so new documents are
// immediately visible to queries.
func (h *Handler) getIngestor(r *http.Request) (*ingest.Ingestor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ingestor != nil {
		return h.ingestor, nil
	}
	comps, err := h.engine.Components(r.Context())
	if err != nil {
		return nil, err
	}
	h.ingestor = ingest.New(comps.Embedder, comps.Store, h.ingestOpts)
	return h.ingestor, nil
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
