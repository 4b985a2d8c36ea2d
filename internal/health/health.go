// Package health serves the Kubernetes-style probe endpoints.
//
// Liveness (/healthz) answers 200 whenever the process serves HTTP at all.
// Readiness (/readyz) answers 200 only when the runtime could admit a new
// conversation right now: every registered [Checker] — store, session
// registry, provider API — must pass. The checks are independent network
// probes and run concurrently, each under its own deadline.
//
// Both endpoints reply with a JSON body of the form
//
//	{"status":"ok","checks":{"database":"ok","provider":"fail: ..."}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeDeadline caps how long a single readiness check may run.
const probeDeadline = 5 * time.Second

// Checker names one dependency probe. Check returns nil while the dependency
// is usable and must respect context cancellation.
type Checker struct {
	// Name keys the probe result in the JSON response ("database",
	// "registry", "provider").
	Name string

	Check func(ctx context.Context) error
}

// Handler answers /healthz and /readyz. The checker list is fixed at
// construction; the handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. Reaching this handler is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	reply(w, http.StatusOK, "ok", nil)
}

// Readyz runs every checker concurrently and reports 200 only if all pass.
// A failing dependency flips the status to 503 but never hides the results
// of the other probes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results, ready := h.probe(r.Context())

	if ready {
		reply(w, http.StatusOK, "ok", results)
		return
	}
	reply(w, http.StatusServiceUnavailable, "fail", results)
}

// probe fans the checkers out and gathers per-name outcomes.
func (h *Handler) probe(ctx context.Context) (map[string]string, bool) {
	var (
		mu      sync.Mutex
		results = make(map[string]string, len(h.checkers))
		ready   = true
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, probeDeadline)
			err := c.Check(cctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[c.Name] = "fail: " + err.Error()
				ready = false
			} else {
				results[c.Name] = "ok"
			}
			// Failures are reported per probe, never as a group error:
			// every checker must get the chance to run.
			return nil
		})
	}
	_ = g.Wait()

	return results, ready
}

// reply marshals the probe outcome before touching the writer so a marshal
// failure cannot leave a half-written 200 body.
func reply(w http.ResponseWriter, status int, overall string, checks map[string]string) {
	body, err := json.Marshal(struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}{Status: overall, Checks: checks})
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
