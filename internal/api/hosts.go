package api

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/hostexec"
	"github.com/seantiz/anvil/internal/registry"
)

// unitFileSuffixes are the definitions listed by GET /v1/units.
var unitFileSuffixes = []string{".container", ".pod", ".kube", ".service"}

type unitInfo struct {
	Unit string `json:"unit"`
	File string `json:"file"`
}

type updateLogInfo struct {
	Name string `json:"name"`
}

func (s *Server) handleListHosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hosts.List())
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	entries, ok := s.listDir(w, r, s.cfg.UnitDir, "unit directory")
	if !ok {
		return
	}

	units := []unitInfo{}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		for _, suffix := range unitFileSuffixes {
			if strings.HasSuffix(e.Name, suffix) {
				units = append(units, unitInfo{
					Unit: strings.TrimSuffix(e.Name, suffix) + ".service",
					File: path.Join(s.cfg.UnitDir, e.Name),
				})
				break
			}
		}
	}
	s.writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleListUpdateLogs(w http.ResponseWriter, r *http.Request) {
	entries, ok := s.listDir(w, r, s.cfg.UpdateLogDir, "update log directory")
	if !ok {
		return
	}

	logs := []updateLogInfo{}
	for _, e := range entries {
		if !e.IsDir {
			logs = append(logs, updateLogInfo{Name: e.Name})
		}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleGetUpdateLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.cfg.UpdateLogDir == "" || name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		s.writeError(w, http.StatusNotFound, "update log not found")
		return
	}
	b, ok := s.activeBackend(w)
	if !ok {
		return
	}

	data, err := b.ReadFile(r.Context(), path.Join(s.cfg.UpdateLogDir, name))
	if err != nil {
		s.writeHostError(w, err, "update log")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write update log", "error", err)
	}
}

func (s *Server) handleGetDigest(w http.ResponseWriter, r *http.Request) {
	image := r.URL.Query().Get("image")
	if image == "" {
		s.writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	if _, err := registry.Bucket(image); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	refresh := r.URL.Query().Get("refresh") == "true" || r.URL.Query().Get("refresh") == "1"

	remote, err := s.digests.Remote(r.Context(), image, refresh)
	if err != nil {
		s.logger.Warn("registry lookup failed", "image", image, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, remote)
}

// listDir lists dir on the active backend, writing the error response and
// returning false on failure. A missing directory is a 404, never an empty
// list.
func (s *Server) listDir(w http.ResponseWriter, r *http.Request, dir, what string) ([]hostexec.DirEntry, bool) {
	if dir == "" {
		s.writeError(w, http.StatusNotFound, what+" not configured")
		return nil, false
	}
	b, ok := s.activeBackend(w)
	if !ok {
		return nil, false
	}
	entries, err := b.ListDir(r.Context(), dir)
	if err != nil {
		s.writeHostError(w, err, what)
		return nil, false
	}
	return entries, true
}

func (s *Server) activeBackend(w http.ResponseWriter) (hostexec.Backend, bool) {
	b, err := s.hosts.Active()
	if err != nil {
		s.logger.Error("no active backend", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "no execution backend")
		return nil, false
	}
	return b, true
}

// writeHostError maps backend errors. Connectivity failures are never
// reported as absence.
func (s *Server) writeHostError(w http.ResponseWriter, err error, what string) {
	var connErr *hostexec.ConnectivityError
	switch {
	case errors.As(err, &connErr):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, hostexec.ErrNotFound):
		s.writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, hostexec.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, hostexec.ErrNotReadable):
		s.writeError(w, http.StatusForbidden, what+" not readable")
	default:
		s.logger.Error("host request failed", "what", what, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read "+what)
	}
}
