// Package admin serves a read-mostly JSON view of the caches and workers.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"
)

// Workers reports the worker state of a host.
type Workers interface {
	Snapshot() lifecycle.Snapshot
}

type handler struct {
	storage *cache.Storage
	workers Workers
	log     zerolog.Logger
}

// NewRouter returns the admin routes:
//
//	GET    /caches         names of all caches
//	GET    /caches/{name}  URLs stored in a cache
//	DELETE /caches/{name}  delete a cache
//	GET    /workers        active and waiting worker, connected clients
func NewRouter(storage *cache.Storage, workers Workers, logger zerolog.Logger) chi.Router {
	h := &handler{storage: storage, workers: workers, log: logger.With().Str("component", "admin").Logger()}

	r := chi.NewRouter()
	r.Get("/caches", h.listCaches)
	r.Get("/caches/{name}", h.getCache)
	r.Delete("/caches/{name}", h.deleteCache)
	r.Get("/workers", h.getWorkers)
	return r
}

func (h *handler) listCaches(w http.ResponseWriter, r *http.Request) {
	names, err := h.storage.Keys(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *handler) getCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ok, err := h.storage.Has(r.Context(), name)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no such cache")
		return
	}
	store, err := h.storage.Open(r.Context(), name)
	if err != nil {
		h.fail(w, err)
		return
	}
	reqs, err := store.Keys(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	urls := make([]string, 0, len(reqs))
	for _, req := range reqs {
		urls = append(urls, req.URL.String())
	}
	writeJSON(w, http.StatusOK, urls)
}

func (h *handler) deleteCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := h.storage.Delete(r.Context(), name)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "no such cache")
		return
	}
	h.log.Info().Str("cache", name).Msg("Cache deleted through admin API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workers.Snapshot())
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	h.log.Error().Err(err).Msg("Admin request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
