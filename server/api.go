package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/backend"
	"github.com/wolfeidau/title-cache/metacache"
	"github.com/wolfeidau/title-cache/queue"
	"github.com/wolfeidau/title-cache/telemetry"
	"github.com/wolfeidau/title-cache/transform"
)

// Job priorities used by the API. Titles a client is looking at jump ahead
// of titles discovered through trending lists.
const (
	PriorityInteractive = 10
	PriorityPrefetch    = 1
)

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	r.Handle("/metrics", telemetry.PrometheusHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/titles/{type}/{id:[0-9]+}/cache", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/titles/{type}/{id:[0-9]+}/status", s.handleTitleStatus).Methods(http.MethodGet)
	api.HandleFunc("/titles/{type}/{id:[0-9]+}", s.handleTitle).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	api.HandleFunc("/trending/{window}", s.handleTrending).Methods(http.MethodGet)

	// Processed images referenced by cached metadata
	r.HandleFunc("/images/{name}", s.handleImage).Methods(http.MethodGet, http.MethodHead)

	// Job lifecycle events over websocket
	r.Handle("/events", s.hub).Methods(http.MethodGet)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type enqueueResponse struct {
	JobID  string       `json:"job_id"`
	Status queue.Status `json:"status"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "enqueue")

	ref, ok := s.parseRef(w, r)
	if !ok {
		return
	}

	priority := PriorityInteractive
	if p := r.URL.Query().Get("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid priority")
			return
		}
		priority = n
	}

	jobID, err := s.queue.Enqueue(r.Context(), ref.Type, ref.ID, priority)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}

	resp := enqueueResponse{JobID: jobID}
	if st, ok := s.queue.Status(jobID); ok {
		resp.Status = st.Status
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "job_status")

	st, ok := s.queue.Status(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTitleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "title_status")

	ref, ok := s.parseRef(w, r)
	if !ok {
		return
	}
	st, ok := s.queue.StatusByEntity(ref.Type, ref.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "queue_stats")
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

type titleResponse struct {
	Document    *titlecache.Document `json:"document"`
	PosterURL   string               `json:"poster_url,omitempty"`
	BackdropURL string               `json:"backdrop_url,omitempty"`
	LastUpdated time.Time            `json:"last_updated"`
}

type missResponse struct {
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}

// handleTitle serves cached metadata. A miss schedules a refresh and
// answers 404 with the job id so the client can follow it.
func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "title")

	ref, ok := s.parseRef(w, r)
	if !ok {
		return
	}

	entry, err := s.metadata.Get(r.Context(), ref)
	if err == nil {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		writeJSON(w, http.StatusOK, titleResponse{
			Document:    entry.Document,
			PosterURL:   entry.PosterURL,
			BackdropURL: entry.BackdropURL,
			LastUpdated: entry.LastUpdated,
		})
		return
	}
	if !errors.Is(err, metacache.ErrMiss) {
		s.logger.Error("metadata lookup failed", "ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, "metadata lookup failed")
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	jobID, err := s.queue.Enqueue(r.Context(), ref.Type, ref.ID, PriorityInteractive)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusNotFound, missResponse{Error: "not cached", JobID: jobID})
}

type trendingItem struct {
	Type        titlecache.EntityType `json:"type"`
	ID          int64                 `json:"id"`
	Title       string                `json:"title"`
	PosterPath  string                `json:"poster_path,omitempty"`
	VoteAverage float64               `json:"vote_average"`
	Popularity  float64               `json:"popularity"`
}

type trendingResponse struct {
	Window      string         `json:"window"`
	Items       []trendingItem `json:"items"`
	LastUpdated time.Time      `json:"last_updated"`
}

// handleTrending serves the trending list from the list cache, refreshing it
// from the provider on a miss. Titles on a fresh list are queued for
// prefetch behind interactive requests.
func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "trending")

	window := mux.Vars(r)["window"]
	if window != "day" && window != "week" {
		writeError(w, http.StatusBadRequest, "window must be day or week")
		return
	}
	ctx := r.Context()
	name := "trending:" + window

	list, err := s.metadata.GetList(ctx, name)
	switch {
	case err == nil:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	case errors.Is(err, metacache.ErrMiss):
		telemetry.SetCacheResult(r, telemetry.CacheMiss)

		found, err := s.provider.Trending(ctx, "all", window)
		if err != nil {
			s.logger.Error("fetching trending", "window", window, "error", err)
			writeError(w, http.StatusBadGateway, "fetching trending failed")
			return
		}

		items := make([]metacache.ListItem, 0, len(found))
		for _, it := range found {
			ref, err := titlecache.NewRef(titlecache.EntityType(it.MediaType), it.ID)
			if err != nil {
				continue
			}
			items = append(items, metacache.ListItem{
				Ref:         ref,
				Title:       it.Title,
				PosterPath:  it.PosterPath,
				VoteAverage: it.VoteAverage,
				Popularity:  it.Popularity,
			})
		}
		if err := s.metadata.PutList(ctx, name, items); err != nil {
			s.logger.Warn("storing trending list", "window", window, "error", err)
		}
		for _, it := range items {
			if _, err := s.queue.Enqueue(ctx, it.Ref.Type, it.Ref.ID, PriorityPrefetch); err != nil {
				s.logger.Debug("prefetch enqueue skipped", "ref", it.Ref, "error", err)
			}
		}
		list = &metacache.List{Name: name, Items: items, LastUpdated: time.Now()}
	default:
		s.logger.Error("trending lookup failed", "window", window, "error", err)
		writeError(w, http.StatusInternalServerError, "trending lookup failed")
		return
	}

	resp := trendingResponse{
		Window:      window,
		Items:       make([]trendingItem, len(list.Items)),
		LastUpdated: list.LastUpdated,
	}
	for i, it := range list.Items {
		resp.Items[i] = trendingItem{
			Type:        it.Ref.Type,
			ID:          it.Ref.ID,
			Title:       it.Title,
			PosterPath:  it.PosterPath,
			VoteAverage: it.VoteAverage,
			Popularity:  it.Popularity,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleImage serves a processed image. Names are content addressed so the
// response never changes.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "image")

	rc, contentType, err := s.transform.Open(r.Context(), mux.Vars(r)["name"])
	switch {
	case errors.Is(err, transform.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid image name")
		return
	case errors.Is(err, backend.ErrNotFound):
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, http.StatusNotFound, "image not found")
		return
	case err != nil:
		s.logger.Error("opening image", "name", mux.Vars(r)["name"], "error", err)
		writeError(w, http.StatusInternalServerError, "opening image failed")
		return
	}
	defer func() { _ = rc.Close() }()

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("writing image", "error", err)
	}
}

// parseRef reads {type} and {id} from the route, writing a 400 for bad input.
func (s *Server) parseRef(w http.ResponseWriter, r *http.Request) (titlecache.Ref, bool) {
	vars := mux.Vars(r)
	entityType, err := titlecache.ParseEntityType(vars["type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return titlecache.Ref{}, false
	}
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return titlecache.Ref{}, false
	}
	ref, err := titlecache.NewRef(entityType, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return titlecache.Ref{}, false
	}
	telemetry.SetEntityType(r, string(ref.Type))
	return ref, true
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidEntity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "queue closed")
	default:
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
