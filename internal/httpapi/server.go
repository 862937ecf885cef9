// Package httpapi serves buffer and training status over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/sampler"
	"github.com/cartridge/selfsup/internal/trainer"
)

// StatusProvider reports training progress.
type StatusProvider interface {
	Status() trainer.Status
}

// Server wires HTTP handlers to named buffers and an optional trainer.
type Server struct {
	buffers map[string]*sampler.DataSampler
	status  StatusProvider
	logger  zerolog.Logger
}

// NewServer constructs a Server. status may be nil when no training runs.
func NewServer(buffers map[string]*sampler.DataSampler, status StatusProvider, logger zerolog.Logger) *Server {
	return &Server{buffers: buffers, status: status, logger: logger}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(CorrelationID)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/buffers", s.handleListBuffers)
		r.Get("/buffers/{name}", s.handleGetBuffer)
		r.Get("/buffers/{name}/indices", s.handleIndices)
		r.Get("/buffers/{name}/sample", s.handleSample)
		r.Get("/runs/current", s.handleCurrentRun)
	})
	return r
}

var errUnknownBuffer = errors.New("unknown buffer")

type bufferSummary struct {
	Name        string        `json:"name"`
	Variant     string        `json:"variant"`
	NumFrames   int           `json:"num_frames"`
	Stride      int           `json:"stride"`
	IndexPolicy string        `json:"index_policy"`
	Episodes    int           `json:"episodes"`
	Windows     int           `json:"windows"`
	Stats       episode.Stats `json:"stats"`
}

func summarize(name string, ds *sampler.DataSampler) bufferSummary {
	cfg := ds.Config()
	return bufferSummary{
		Name:        name,
		Variant:     cfg.Window.Variant.String(),
		NumFrames:   cfg.Window.NumFrames,
		Stride:      cfg.Window.Stride,
		IndexPolicy: cfg.IndexPolicy.String(),
		Episodes:    ds.NumEpisodes(),
		Windows:     ds.NumWindows(),
		Stats:       ds.Stats(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBuffers(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.buffers))
	for name := range s.buffers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]bufferSummary, 0, len(names))
	for _, name := range names {
		out = append(out, summarize(name, s.buffers[name]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBuffer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ds, ok := s.buffers[name]
	if !ok {
		s.respondError(w, errUnknownBuffer)
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(name, ds))
}

// handleIndices pages through the valid index space with ?offset=&limit=.
func (s *Server) handleIndices(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.buffers[chi.URLParam(r, "name")]
	if !ok {
		s.respondError(w, errUnknownBuffer)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	all := ds.Indices()
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(all),
		"offset":  offset,
		"indices": all[offset:end],
	})
}

// handleSample draws a batch and reports its indices and tensor shapes.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.buffers[chi.URLParam(r, "name")]
	if !ok {
		s.respondError(w, errUnknownBuffer)
		return
	}
	batchSize, err := queryInt(r, "batch_size", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid batch_size")
		return
	}
	replacement := r.URL.Query().Get("replacement") == "true"

	batch, err := ds.Sample(batchSize, replacement)
	if err != nil {
		s.respondError(w, err)
		return
	}
	shapes := map[string][]int{"frames": batch.Frames.Shape()}
	if batch.Actions != nil {
		shapes["actions"] = batch.Actions.Shape()
	}
	for name, t := range batch.Labels {
		shapes["labels."+name] = t.Shape()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"size":    batch.Size,
		"device":  batch.Device,
		"indices": batch.Indices,
		"shapes":  shapes,
	})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		s.writeJSON(w, http.StatusNoContent, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownBuffer):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sampler.ErrNoValidWindows):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
