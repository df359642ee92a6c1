package cmd

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/psantana5/bootguard/internal/report"
	"github.com/psantana5/bootguard/pkg/boot"
	"github.com/psantana5/bootguard/pkg/metrics"
	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/rtos"
	"github.com/psantana5/bootguard/pkg/store"
)

// deviceView points at the kernel and orchestrator of the current boot
type deviceView struct {
	mu     sync.RWMutex
	bootID string
	kernel *rtos.Kernel
	orch   *boot.Orchestrator
}

func (v *deviceView) set(bootID string, k *rtos.Kernel, o *boot.Orchestrator) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bootID, v.kernel, v.orch = bootID, k, o
}

func (v *deviceView) get() (string, *rtos.Kernel, *boot.Orchestrator) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bootID, v.kernel, v.orch
}

type tasksResponse struct {
	BootID      string          `json:"boot_id"`
	State       string          `json:"state"`
	Operational bool            `json:"operational"`
	Ticks       uint64          `json:"ticks"`
	Running     string          `json:"running,omitempty"`
	HeapFree    int             `json:"heap_free_words"`
	Switches    uint64          `json:"context_switches"`
	Tasks       []rtos.TaskInfo `json:"tasks"`
}

// newDebugRouter serves the simulator's debug endpoints. A non-empty token
// is required as a bearer token on everything except /health.
func newDebugRouter(rec *metrics.Recorder, snaps store.SnapshotStore, history *report.History, view *deviceView, token string) *mux.Router {
	router := mux.NewRouter()
	if token != "" {
		router.Use(bearerAuth(token))
	}

	router.Handle("/metrics", rec.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	router.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		bootID, k, o := view.get()
		if k == nil || o == nil {
			writeError(w, http.StatusServiceUnavailable, "device not booted")
			return
		}
		writeJSON(w, http.StatusOK, tasksResponse{
			BootID:      bootID,
			State:       string(o.State()),
			Operational: models.IsOperational(o.State()),
			Ticks:       k.TickCount(),
			Running:     k.Running(),
			HeapFree:    k.HeapFree(),
			Switches:    k.SwitchCount(),
			Tasks:       k.Tasks(),
		})
	}).Methods("GET")

	router.HandleFunc("/faults", func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var list []models.RegisterSnapshot
		if bootID := r.URL.Query().Get("boot"); bootID != "" {
			list, err = snaps.ListByBoot(bootID)
		} else {
			list, err = snaps.List(limit)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"snapshots": list,
			"count":     len(list),
		})
	}).Methods("GET")

	router.HandleFunc("/faults/latest", func(w http.ResponseWriter, r *http.Request) {
		snap, err := snaps.Latest()
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no snapshots captured")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}).Methods("GET")

	router.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, history.Recent(limit))
	}).Methods("GET")

	return router
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerAuth rejects requests without the expected bearer token
func bearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
