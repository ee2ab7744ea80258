// Package health serves the liveness and readiness probes of the control
// server.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every registered [Checker] in parallel and answers 200 only when all
// of them pass, 503 otherwise. Both reply with
//
//	{"status": "ok"|"fail", "checks": {"<name>": "ok"|"fail: <reason>"}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parlox/internal/resilience"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool and similar connection pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks a pool by pinging it.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Breakers checks a provider stage. The stage is unready once the breaker of
// every provider in it is open; a single usable provider keeps it ready.
func Breakers(name string, states func() map[string]resilience.State) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		var open []string
		for provider, s := range states() {
			if s != resilience.StateOpen {
				return nil
			}
			open = append(open, provider)
		}
		if len(open) == 0 {
			return errors.New("no providers configured")
		}
		slices.Sort(open)
		return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
	}}
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New returns a handler for checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: statusOK})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.evaluate(r.Context())
	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, rep)
}

// evaluate runs all checkers concurrently, each under its own timeout.
func (h *Handler) evaluate(ctx context.Context) report {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := report{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if errs[i] != nil {
			rep.Status = statusFail
			rep.Checks[c.Name] = statusFail + ": " + errs[i].Error()
			continue
		}
		rep.Checks[c.Name] = statusOK
	}
	return rep
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
