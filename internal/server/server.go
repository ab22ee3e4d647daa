// Package server exposes the overlay pipeline over HTTP: tile serving
// for aligned and unaligned quadtrees, alignment updates and export
// triggers.
package server

import (
	"encoding/json"
	"errors"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mapfasten/mapfasten/internal/cache"
	"github.com/mapfasten/mapfasten/internal/export"
	"github.com/mapfasten/mapfasten/internal/geom"
	"github.com/mapfasten/mapfasten/internal/storage"
)

// Server wires the HTTP surface to the store, the tile generator cache
// and the exporter.
type Server struct {
	store    storage.Store
	exporter *export.Exporter
	log      *slog.Logger

	// The generator cache is single-slot and not safe for concurrent
	// use; genMu is the execution context that owns it.
	genMu sync.Mutex
	gens  *cache.GeneratorCache

	startTime time.Time
	version   string
}

func New(store storage.Store, gens *cache.GeneratorCache, exporter *export.Exporter, log *slog.Logger, version string) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:     store,
		exporter:  exporter,
		gens:      gens,
		log:       log,
		startTime: time.Now(),
		version:   version,
	}
}

// Routes registers all endpoints on a fresh router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.getHealth)
	r.Get("/exports/{name}", s.getExport)

	r.Route("/quadtrees/{id}", func(r chi.Router) {
		r.Get("/tiles/{z}/{x}/{y}.png", s.getTile)
		r.Post("/alignment", s.postAlignment)
		r.Post("/exports/html", s.postExportHTML)
		r.Post("/exports/geotiff", s.postExportGeoTIFF)
		r.Post("/exports/kml", s.postExportKML)
	})

	return r
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
	Version   string    `json:"version"`
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.startTime).Seconds()),
		Version:   s.version,
	})
}

func (s *Server) getTile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errZ != nil || errX != nil || errY != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_TILE_ADDRESS", "tile address must be numeric")
		return
	}

	s.genMu.Lock()
	gen, err := s.gens.GetOrCreate(r.Context(), id)
	if err != nil {
		s.genMu.Unlock()
		s.handleError(w, "building generator", err)
		return
	}
	tile, err := gen.Tile(z, x, y)
	s.genMu.Unlock()
	if err != nil {
		s.writeError(w, http.StatusNotFound, "NO_SUCH_TILE", err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, tile); err != nil {
		s.log.Error("writing tile response", "quadtree", id, "err", err)
	}
}

type alignmentRequest struct {
	Points []geom.TiePoint `json:"points"`
}

func (s *Server) postAlignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req alignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON in request body")
		return
	}

	params, err := storage.UpdateAlignment(r.Context(), s.store, id, req.Points)
	if err != nil {
		s.handleError(w, "updating alignment", err)
		return
	}

	// The cached generator was built against the old transform.
	s.genMu.Lock()
	s.gens.Invalidate(id)
	s.genMu.Unlock()

	s.writeJSON(w, http.StatusOK, params)
}

func (s *Server) postExportHTML(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.genMu.Lock()
	name, err := s.exporter.ExportHTML(r.Context(), id)
	s.genMu.Unlock()
	if err != nil {
		s.handleError(w, "html export", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"artifact": name})
}

func (s *Server) postExportGeoTIFF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name, err := s.exporter.ExportGeoTIFF(r.Context(), id)
	if err != nil {
		s.handleError(w, "geotiff export", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"artifact": name})
}

type kmlExportRequest struct {
	GeoTIFFArtifact string `json:"geotiffArtifact"`
}

func (s *Server) postExportKML(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req kmlExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON in request body")
		return
	}

	name, err := s.exporter.ExportKML(r.Context(), id, req.GeoTIFFArtifact)
	if err != nil {
		s.handleError(w, "kml export", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"artifact": name})
}

func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := s.store.GetArtifact(r.Context(), name)
	if err != nil {
		s.handleError(w, "fetching artifact", err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	if _, err := w.Write(data); err != nil {
		s.log.Error("writing artifact response", "artifact", name, "err", err)
	}
}

// handleError maps pipeline errors to status codes. Precondition
// failures are the caller's to fix; everything unexpected is a 500.
func (s *Server) handleError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, export.ErrNoGeoTIFF):
		s.writeError(w, http.StatusConflict, "NO_GEOTIFF", err.Error())
	case errors.Is(err, export.ErrNotAligned):
		s.writeError(w, http.StatusConflict, "NOT_ALIGNED", err.Error())
	default:
		s.log.Error(action, "err", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "err", err)
	}
}
