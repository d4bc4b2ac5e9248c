package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/freeeve/lodterrain/internal/engine"
	"github.com/freeeve/lodterrain/internal/taskservice"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// Handler serves engine diagnostics.
type Handler struct {
	eng *engine.Engine
}

// NewRouter creates the diagnostics router.
func NewRouter(log zerolog.Logger, eng *engine.Engine) http.Handler {
	h := &Handler{eng: eng}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /readyz", h.health)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("GET /v1/tiles", h.tiles)
	mux.HandleFunc("GET /v1/tiles/{level}/{x}/{y}", h.tile)
	mux.HandleFunc("GET /v1/services", h.services)
	mux.HandleFunc("/v1/services/{id}/threads", h.serviceThreads)
	mux.Handle("GET /metrics", promhttp.Handler())

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return RequestID(AccessLog(log, mux))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.eng.Stats())
}

// tiles lists live tiles, optionally filtered by ?level=N.
func (h *Handler) tiles(w http.ResponseWriter, r *http.Request) {
	level := -1
	if v := r.URL.Query().Get("level"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid level param")
			return
		}
		level = n
	}
	out := make([]engine.TileInfo, 0)
	for _, t := range h.eng.Tiles() {
		if level >= 0 && t.Key().Level != uint32(level) {
			continue
		}
		out = append(out, h.eng.Describe(t))
	}
	writeJSON(w, TilesResponse{Revision: h.eng.Revision(), Count: len(out), Tiles: out})
}

func (h *Handler) tile(w http.ResponseWriter, r *http.Request) {
	var parts [3]uint32
	for i, name := range []string{"level", "x", "y"} {
		n, err := strconv.ParseUint(r.PathValue(name), 10, 32)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid "+name)
			return
		}
		parts[i] = uint32(n)
	}
	key := tilekey.Address{Level: parts[0], X: parts[1], Y: parts[2]}
	t, ok := h.eng.Tile(key)
	if !ok {
		writeError(w, r, http.StatusNotFound, "tile not live: "+key.String())
		return
	}
	writeJSON(w, h.eng.Describe(t))
}

func (h *Handler) services(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ServicesResponse{
		TasksRemaining: h.eng.NumTasksRemaining(),
		Services:       h.eng.Registry().Statuses(),
	})
}

// serviceThreads reports or overrides a task service's thread count.
// GET: returns current count
// POST: sets count from ?threads=N query param or JSON body {"threads": N}
func (h *Handler) serviceThreads(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid service id")
		return
	}
	svc, ok := h.eng.Registry().Get(taskservice.ID(id))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown service")
		return
	}

	if r.Method == http.MethodGet {
		writeJSON(w, svc.Status())
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var threads int
	if v := r.URL.Query().Get("threads"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid threads param")
			return
		}
		threads = n
	} else {
		var body struct {
			Threads int `json:"threads"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
		threads = body.Threads
	}
	if threads < 0 {
		writeError(w, r, http.StatusBadRequest, "threads must be >= 0")
		return
	}

	svc.SetThreadCount(threads)
	zerolog.Ctx(r.Context()).Info().Str("service", svc.Name()).Int("threads", threads).Msg("service threads updated via API")
	writeJSON(w, svc.Status())
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error carrying the request id.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, RequestID: GetRequestID(r.Context())})
}
