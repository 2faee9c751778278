package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-asyncops/pkg/jobs"
	"github.com/illmade-knight/go-asyncops/pkg/pagination"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
)

// Identity headers set by the upstream identity provider. They are trusted as-is.
const (
	OwnerIDHeader    = "X-Owner-ID"
	OwnerEmailHeader = "X-Owner-Email"
)

// maxSubmitBytes bounds a POST /jobs body.
const maxSubmitBytes = 32 << 20

// JobService is the part of *jobs.Manager the API uses.
type JobService interface {
	Submit(ctx context.Context, req jobs.Request, items []store.Item) (jobs.Job, error)
	GetJob(ctx context.Context, jobID string) (jobs.Job, error)
	ListJobs(ctx context.Context, ownerID string, status jobs.Status) ([]jobs.Job, error)
	CancelJob(ctx context.Context, jobID string) (jobs.Job, error)
}

// ItemQuerier is the part of *pagination.Paginator the API uses.
type ItemQuerier interface {
	PaginateCached(ctx context.Context, family string, f pagination.Filter, limit int, cursor string) (pagination.Page, error)
}

// EventStreamer streams an owner's live events. *notify.Hub satisfies it.
type EventStreamer interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, ownerID string)
}

// API groups the handlers' dependencies. Nil members leave their routes unregistered.
type API struct {
	Jobs        JobService
	Items       ItemQuerier
	ItemsFamily string
	Events      EventStreamer
	Metrics     http.Handler
}

// Server is the service's HTTP surface.
type Server struct {
	*BaseServer
	api API
}

// NewServer creates a Server and registers its routes.
func NewServer(logger zerolog.Logger, httpPort string, api API) *Server {
	s := &Server{
		BaseServer: NewBaseServer(logger.With().Str("component", "APIServer").Logger(), httpPort),
		api:        api,
	}
	mux := s.Mux()
	if api.Metrics != nil {
		mux.Handle("GET /metrics", api.Metrics)
	}
	if api.Jobs != nil {
		mux.HandleFunc("POST /jobs", s.withOwner(s.submitJob))
		mux.HandleFunc("GET /jobs", s.withOwner(s.listJobs))
		mux.HandleFunc("GET /jobs/{id}", s.withOwner(s.getJob))
		mux.HandleFunc("DELETE /jobs/{id}", s.withOwner(s.cancelJob))
	}
	if api.Events != nil {
		mux.HandleFunc("GET /events", s.withOwner(func(w http.ResponseWriter, r *http.Request, owner string) {
			api.Events.ServeSSE(w, r, owner)
		}))
	}
	if api.Items != nil {
		mux.HandleFunc("GET /items", s.listItems)
	}
	return s
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

func (s *Server) withOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerIDHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerIDHeader+" header")
			return
		}
		next(w, r, owner)
	}
}

type submitRequest struct {
	Type   jobs.Type         `json:"type"`
	Params map[string]string `json:"params,omitempty"`
	Items  []store.Item      `json:"items"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, owner string) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.api.Jobs.Submit(r.Context(), jobs.Request{
		OwnerID:    owner,
		OwnerEmail: r.Header.Get(OwnerEmailHeader),
		Type:       body.Type,
		Params:     body.Params,
	}, body.Items)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request, owner string) {
	status := jobs.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	list, err := s.api.Jobs.ListJobs(r.Context(), owner, status)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// ownedJob loads a job, hiding jobs of other owners as not found.
func (s *Server) ownedJob(r *http.Request, owner string) (jobs.Job, error) {
	job, err := s.api.Jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		return jobs.Job{}, err
	}
	if job.OwnerID != owner {
		return jobs.Job{}, jobs.ErrJobNotFound
	}
	return job, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, owner string) {
	job, err := s.ownedJob(r, owner)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, owner string) {
	job, err := s.ownedJob(r, owner)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	job, err = s.api.Jobs.CancelJob(r.Context(), job.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// listItems serves GET /items. Reserved parameters are limit and cursor;
// <attr>.from and <attr>.to bound a range; any other parameter is an exact match.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	page, err := s.api.Items.PaginateCached(r.Context(), s.api.ItemsFamily, parseFilter(q), limit, q.Get("cursor"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []store.Item{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseFilter(q map[string][]string) pagination.Filter {
	var f pagination.Filter
	ranges := make(map[string]*pagination.Range)
	rangeFor := func(attr string) *pagination.Range {
		rg, ok := ranges[attr]
		if !ok {
			rg = &pagination.Range{Attribute: attr}
			ranges[attr] = rg
		}
		return rg
	}
	for name, values := range q {
		if name == "limit" || name == "cursor" || len(values) == 0 || values[0] == "" {
			continue
		}
		switch {
		case strings.HasSuffix(name, ".from"):
			rangeFor(strings.TrimSuffix(name, ".from")).From = values[0]
		case strings.HasSuffix(name, ".to"):
			rangeFor(strings.TrimSuffix(name, ".to")).To = values[0]
		default:
			if f.Equals == nil {
				f.Equals = make(map[string]string)
			}
			f.Equals[name] = values[0]
		}
	}
	for _, rg := range ranges {
		f.Ranges = append(f.Ranges, *rg)
	}
	sort.Slice(f.Ranges, func(i, j int) bool { return f.Ranges[i].Attribute < f.Ranges[j].Attribute })
	return f
}

// writeErr maps domain errors to status codes. Unclassified errors are logged
// and reported without their text.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var decodeErr *pagination.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		writeError(w, http.StatusBadRequest, "invalid cursor")
	case errors.Is(err, jobs.ErrInvalidRequest), errors.Is(err, jobs.ErrNoTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrTooManyJobs):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, jobs.ErrManagerStopped):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.Logger.Error().Err(err).Msg("Request failed.")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
