package main

import (
	"errors"
	"net/http"
	"net/http/pprof"

	"github.com/go-logr/logr"

	"github.com/lockstep/lockstep/internal/core/checkpoint"
	"github.com/lockstep/lockstep/internal/core/errs"
	"github.com/lockstep/lockstep/internal/core/injector"
	"github.com/lockstep/lockstep/internal/core/orchestrator"
	"github.com/lockstep/lockstep/internal/core/runcond"
	"github.com/lockstep/lockstep/internal/infrastructure/metrics"
	"github.com/lockstep/lockstep/pkg/lockstep"
	"github.com/lockstep/lockstep/pkg/prebuilt"
	"github.com/lockstep/lockstep/pkg/validation"
)

// server exposes one runtime and its graph over HTTP.
type server struct {
	rt    *lockstep.Runtime
	graph *prebuilt.Graph
	log   logr.Logger
	pprof bool
}

type actorStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Timestep int64  `json:"timestep"`
	Error    string `json:"error,omitempty"`
}

type statusResponse struct {
	State    string        `json:"state"`
	Running  bool          `json:"running"`
	RunID    string        `json:"run_id,omitempty"`
	Timestep int64         `json:"timestep"`
	Actors   []actorStatus `json:"actors"`
	Sinks    []sinkReport  `json:"sinks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mw := validation.NewMiddleware(nil)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /snapshots", s.handleSnapshots)
	mux.Handle("POST /run", mw.ValidateJSON(validation.RunRequest{})(http.HandlerFunc(s.handleRun)))
	mux.Handle("POST /inject", mw.ValidateJSON(validation.InjectRequest{})(http.HandlerFunc(s.handleInject)))
	mux.HandleFunc("POST /stop", s.handleStop)

	if s.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agg := s.rt.CollectStatus()
	resp := statusResponse{
		State:    agg.State.String(),
		Running:  s.rt.Running(),
		RunID:    s.rt.RunID(),
		Timestep: s.rt.Timestep(),
		Sinks:    reportSinks(s.graph),
	}
	for _, ns := range agg.Statuses {
		as := actorStatus{Name: ns.Name, State: ns.Status.State.String(), Timestep: ns.Status.Timestep}
		if ns.Status.Err != nil {
			as.Error = ns.Status.Err.Error()
		}
		resp.Actors = append(resp.Actors, as)
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	f := checkpoint.Filter{RunID: r.URL.Query().Get("run_id"), Process: r.URL.Query().Get("process"), Limit: 100}
	cps, err := s.rt.Snapshots(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if cps == nil {
		cps = []*checkpoint.Checkpoint{}
	}
	s.respond(w, http.StatusOK, cps)
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, _ := validation.Body[validation.RunRequest](r)

	var (
		cond runcond.RunCondition
		err  error
	)
	if req.Continuous {
		cond, err = runcond.Continuous(false)
	} else {
		cond, err = runcond.Steps(int64(req.Steps), req.Blocking)
	}
	if err == nil {
		err = s.rt.Run(r.Context(), cond)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	code := http.StatusAccepted
	if cond.Blocking() {
		code = http.StatusOK
	}
	s.respond(w, code, map[string]any{"run_id": s.rt.RunID(), "timestep": s.rt.Timestep()})
}

func (s *server) handleInject(w http.ResponseWriter, r *http.Request) {
	req, _ := validation.Body[validation.InjectRequest](r)
	inj := s.graph.Injector(req.Injector)
	if inj == nil {
		s.respond(w, http.StatusNotFound, errorResponse{Error: "unknown injector " + req.Injector})
		return
	}
	if err := inj.SendData(r.Context(), req.Data); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]any{"injector": inj.Name(), "pending": inj.Pending()})
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Stop(); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"timestep": s.rt.Timestep()})
}

// fail maps runtime errors onto HTTP status codes.
func (s *server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, injector.ErrBufferFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, injector.ErrInvalidShape), errors.Is(err, errs.ErrInvalidInput),
		errors.Is(err, checkpoint.ErrInvalidLimit), errors.Is(err, checkpoint.ErrInvalidOffset):
		code = http.StatusBadRequest
	case errors.Is(err, injector.ErrNotRunning), errors.Is(err, orchestrator.ErrTornDown),
		errors.Is(err, errs.ErrConfiguration):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error(err, "request failed")
	}
	s.respond(w, code, errorResponse{Error: err.Error()})
}

func (s *server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := writeJSON(w, v); err != nil {
		s.log.Error(err, "failed to write response")
	}
}
