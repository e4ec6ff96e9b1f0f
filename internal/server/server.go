// Package server exposes runs, job snapshots and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/qarun/internal/cancel"
	"github.com/CZERTAINLY/qarun/internal/jobstore"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/poller"
	"github.com/CZERTAINLY/qarun/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

// Supervisor is the part of supervisor.Supervisor the server drives.
type Supervisor interface {
	Start(ctx context.Context, req supervisor.Request) (uuid.UUID, error)
	Stop(ctx context.Context) (cancel.Report, error)
	Status(ctx context.Context) (supervisor.Status, error)
}

// Snapshots provides the latest job store snapshot, see poller.Poller.
type Snapshots interface {
	Last() (poller.Snapshot, bool)
}

// Planner returns the request for a new run.
type Planner func() (supervisor.Request, error)

type Server struct {
	sup     Supervisor
	snaps   Snapshots
	plan    Planner
	metrics http.Handler
	router  chi.Router
}

// New builds the router, metrics may be nil.
func New(sup Supervisor, snaps Snapshots, plan Planner, metrics http.Handler) *Server {
	s := &Server{
		sup:     sup,
		snaps:   snaps,
		plan:    plan,
		metrics: metrics,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/status", s.status)
		r.Get("/jobs", s.jobs)
		r.Get("/summary", s.summary)
		r.Get("/reports", s.dashboard)
		r.Get("/reports/{qaType}", s.report)
		r.Post("/runs", s.startRun)
		r.Post("/stop", s.stop)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(sctx); err != nil {
			slog.ErrorContext(ctx, "http server shutdown", "error", err)
		}
	}()

	slog.InfoContext(ctx, "serving http", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorReply struct {
	Error string `json:"error"`
}

func fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	render.Status(r, code)
	render.JSON(w, r, errorReply{Error: err.Error()})
}

type statusReply struct {
	State     supervisor.State `json:"state"`
	RunID     string           `json:"run_id,omitempty"`
	Dir       string           `json:"dir,omitempty"`
	StorePath string           `json:"store,omitempty"`
	Phase     string           `json:"phase,omitempty"`
	Pid       int              `json:"pid,omitempty"`
	Last      *lastRun         `json:"last,omitempty"`
}

type lastRun struct {
	RunID    string             `json:"run_id"`
	Outcome  supervisor.Outcome `json:"outcome"`
	Error    string             `json:"error,omitempty"`
	Started  time.Time          `json:"started"`
	Finished time.Time          `json:"finished"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.sup.Status(r.Context())
	if err != nil {
		fail(w, r, http.StatusServiceUnavailable, err)
		return
	}
	reply := statusReply{
		State:     st.State,
		Dir:       st.Dir,
		StorePath: st.StorePath,
		Phase:     st.Phase,
		Pid:       st.Pid,
	}
	if st.RunID != uuid.Nil {
		reply.RunID = st.RunID.String()
	}
	if st.Last != nil {
		reply.Last = &lastRun{
			RunID:    st.Last.RunID.String(),
			Outcome:  st.Last.Outcome,
			Started:  st.Last.Started,
			Finished: st.Last.Finished,
		}
		if st.Last.Err != nil {
			reply.Last.Error = st.Last.Err.Error()
		}
	}
	render.JSON(w, r, reply)
}

type jobsReply struct {
	Store string      `json:"store"`
	Taken time.Time   `json:"taken,omitzero"`
	Jobs  []model.Job `json:"jobs"`
	Error string      `json:"error,omitempty"`
}

func (s *Server) snapshot() poller.Snapshot {
	snap, ok := s.snaps.Last()
	if !ok {
		return poller.Snapshot{Summary: model.Summary{}}
	}
	return snap
}

func (s *Server) jobs(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	reply := jobsReply{Store: snap.Path, Taken: snap.Taken, Jobs: snap.Jobs}
	if reply.Jobs == nil {
		reply.Jobs = []model.Job{}
	}
	if snap.Err != nil {
		reply.Error = snap.Err.Error()
	}
	render.JSON(w, r, reply)
}

type summaryReply struct {
	Store    string               `json:"store"`
	ByStatus map[model.Status]int `json:"by_status"`
	Rows     []model.SummaryRow   `json:"rows"`
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	render.JSON(w, r, summaryReply{
		Store:    snap.Path,
		ByStatus: snap.Summary.ByStatus(),
		Rows:     snap.Summary.Rows(),
	})
}

func (s *Server) store(w http.ResponseWriter, r *http.Request) (*jobstore.Store, bool) {
	path := s.snapshot().Path
	store, err := jobstore.OpenExisting(path)
	if jobstore.IsMissing(err) || path == "" {
		return nil, true
	}
	if err != nil {
		fail(w, r, http.StatusInternalServerError, err)
		return nil, false
	}
	return store, true
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(w, r)
	if !ok {
		return
	}
	rows := []model.DashboardRow{}
	if store != nil {
		got, err := store.Dashboard(r.Context())
		if err := jobstore.IgnoreNoSuchTable(err); err != nil {
			fail(w, r, http.StatusInternalServerError, err)
			return
		}
		rows = append(rows, got...)
	}
	render.JSON(w, r, rows)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	qaType := strings.ToUpper(chi.URLParam(r, "qaType"))
	if !slices.Contains(model.QATypes, qaType) {
		fail(w, r, http.StatusNotFound, fmt.Errorf("unknown qa type %q", qaType))
		return
	}
	store, ok := s.store(w, r)
	if !ok {
		return
	}
	rows := []model.ReportRow{}
	if store != nil {
		got, err := store.ReportRows(r.Context(), qaType)
		if err := jobstore.IgnoreNoSuchTable(err); err != nil {
			fail(w, r, http.StatusInternalServerError, err)
			return
		}
		rows = append(rows, got...)
	}
	render.JSON(w, r, rows)
}

type startReply struct {
	RunID string `json:"run_id"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	req, err := s.plan()
	if err != nil {
		fail(w, r, http.StatusInternalServerError, err)
		return
	}
	id, err := s.sup.Start(r.Context(), req)
	switch {
	case errors.Is(err, model.ErrRunInProgress):
		fail(w, r, http.StatusConflict, err)
		return
	case err != nil:
		fail(w, r, http.StatusServiceUnavailable, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, startReply{RunID: id.String()})
}

type stopReply struct {
	Message    string `json:"message"`
	Live       int    `json:"live"`
	Swept      int    `json:"swept"`
	Gone       int    `json:"gone"`
	Failed     int    `json:"failed"`
	Reconciled int64  `json:"reconciled"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	report, err := s.sup.Stop(r.Context())
	reply := stopReply{
		Message:    report.Message(),
		Live:       report.Live,
		Swept:      report.Sweep.Stopped,
		Gone:       report.Sweep.Gone,
		Failed:     report.Sweep.Failed,
		Reconciled: report.Reconciled,
	}
	if err != nil {
		reply.Error = err.Error()
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, reply)
}
