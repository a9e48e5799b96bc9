// Package health serves the liveness and readiness probes of a voice client.
//
//   - /healthz reports that the process is up, plus optional details such
//     as the connection state and session flags.
//   - /readyz evaluates every [Checker]. It answers 503 when any check
//     fails; a check returning an error wrapping [ErrDegraded] marks the
//     client "degraded" but keeps it ready.
//
// Responses are JSON objects with a "status" field ("ok", "degraded" or
// "fail") and a "checks" map with the result of each named checker.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrDegraded marks a check result that should be reported but must not
// take the client out of service, e.g. a history backend spooling turns.
var ErrDegraded = errors.New("degraded")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name is the key in the "checks" map (e.g. "connection", "history").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	details  func() map[string]any
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// WithDetails adds the map returned by fn to every /healthz response.
func (h *Handler) WithDetails(fn func() map[string]any) *Handler {
	h.details = fn
	return h
}

// Healthz always returns 200 while the process can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.details != nil {
		res.Details = h.details()
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz runs all checkers concurrently, each under a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		switch err := outcomes[i]; {
		case err == nil:
			res.Checks[c.Name] = "ok"
		case errors.Is(err, ErrDegraded):
			res.Checks[c.Name] = err.Error()
			if res.Status == "ok" {
				res.Status = "degraded"
			}
		default:
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// StateChecker passes while state() returns one of want. It reports the
// connection manager's state on /readyz.
func StateChecker(name string, state func() string, want ...string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := state(); !slices.Contains(want, s) {
				return fmt.Errorf("state %s", s)
			}
			return nil
		},
	}
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
