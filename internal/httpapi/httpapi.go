// Package httpapi wires the project management REST surface and the
// operator WebSocket endpoint onto a chi router.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
	"mitmrelay/internal/router"
	"mitmrelay/internal/store"
)

// Projects is the subset of the Project Store the HTTP surface needs.
type Projects interface {
	List() ([]model.ProjectSummary, error)
	Create(name string) (model.Project, error)
	Load(name string) (model.Project, []byte, error)
	Save(p model.Project, prevRaw []byte) error
	Delete(name string) error
}

// Browser controls the CDP-attached browser session's lifecycle.
type Browser interface {
	Start(ctx context.Context, targetID string) error
	Stop() error
}

// New builds the HTTP handler. hub may be nil in tests that don't exercise
// the WebSocket endpoint.
func New(log logger.Logger, projects Projects, hub *router.Hub, browser Browser) http.Handler {
	l := log.Component("httpapi")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(l))

	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", listProjects(l, projects))
		r.Post("/", createProject(l, projects))
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", getProject(l, projects))
			r.Put("/", putProject(l, projects))
			r.Delete("/", deleteProject(l, projects))
		})
	})

	r.Route("/api/browser", func(r chi.Router) {
		r.Post("/start", startBrowser(l, browser))
		r.Post("/stop", stopBrowser(l, browser))
	})

	if hub != nil {
		r.Get("/ws", hub.ServeHTTP)
	}

	return r
}

func requestLogger(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("http request")
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func listProjects(l logger.Logger, projects Projects) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := projects.List()
		if err != nil {
			l.Warn().Err(err).Msg("list projects failed")
			writeError(w, http.StatusInternalServerError, "failed to list projects")
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

func createProject(l logger.Logger, projects Projects) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			writeError(w, http.StatusBadRequest, "missing project name")
			return
		}
		p, err := projects.Create(body.Name)
		if err != nil {
			l.Warn().Err(err).Str("name", body.Name).Msg("create project failed")
			writeError(w, http.StatusInternalServerError, "failed to create project")
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func getProject(l logger.Logger, projects Projects) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		p, _, err := projects.Load(name)
		if err != nil {
			if errors.Is(err, store.ErrProjectNotFound) {
				writeError(w, http.StatusNotFound, "project not found")
				return
			}
			l.Warn().Err(err).Str("name", name).Msg("load project failed")
			writeError(w, http.StatusInternalServerError, "failed to load project")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func putProject(l logger.Logger, projects Projects) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		_, prevRaw, err := projects.Load(name)
		if err != nil && !errors.Is(err, store.ErrProjectNotFound) {
			l.Warn().Err(err).Str("name", name).Msg("load before save failed")
			writeError(w, http.StatusInternalServerError, "failed to load project")
			return
		}

		var p model.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "malformed project body")
			return
		}
		p.Name = name

		if err := projects.Save(p, prevRaw); err != nil {
			l.Warn().Err(err).Str("name", name).Msg("save project failed")
			writeError(w, http.StatusInternalServerError, "failed to save project")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func deleteProject(l logger.Logger, projects Projects) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := projects.Delete(name); err != nil {
			if errors.Is(err, store.ErrProjectNotFound) {
				writeError(w, http.StatusNotFound, "project not found")
				return
			}
			l.Warn().Err(err).Str("name", name).Msg("delete project failed")
			writeError(w, http.StatusInternalServerError, "failed to delete project")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func startBrowser(l logger.Logger, browser Browser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TargetID string `json:"targetId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if err := browser.Start(r.Context(), body.TargetID); err != nil {
			l.Warn().Err(err).Msg("browser start failed")
			writeError(w, http.StatusInternalServerError, "failed to start browser session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

func stopBrowser(l logger.Logger, browser Browser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := browser.Stop(); err != nil {
			l.Warn().Err(err).Msg("browser stop failed")
			writeError(w, http.StatusInternalServerError, "failed to stop browser session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}
