package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/broadcast"
	"github.com/user/playhost/internal/db"
	"github.com/user/playhost/internal/device"
	"github.com/user/playhost/internal/devicetype"
	"github.com/user/playhost/internal/gameplay"
	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/metrics"
)

const defaultActionRateLimit = 120

// DeviceService is the device registry as seen by the API. *device.Service
// satisfies it.
type DeviceService interface {
	List() []device.Device
	Get(id string) (device.Device, bool)
	Remove(id string) bool
	Clear()
	Rename(id, name string) (device.Device, bool)
	PublishUpdate(id string, props map[string]any) error
	ExecuteOperation(id, key string, params map[string]any) error
	Monitor(id string) (device.Monitor, bool)
}

// GameCatalog is the games directory index. *games.Catalog satisfies it.
type GameCatalog interface {
	List(ctx context.Context) ([]*db.Game, error)
	Get(ctx context.Context, id string) (*db.Game, error)
	Reload(ctx context.Context) (int, error)
	Upload(ctx context.Context, name string, r io.Reader) (*db.Game, error)
	Delete(ctx context.Context, id string, removeFile bool) (bool, error)
	Path(g *db.Game) (string, error)
	Parameters(ctx context.Context, id string) (map[string]any, error)
	SaveParameters(ctx context.Context, id string, params map[string]any) error
	Runs(ctx context.Context, gameID string, limit int) ([]*db.Run, error)
}

// Gameplay drives the active session. *gameplay.Scheduler satisfies it.
type Gameplay interface {
	Start(ctx context.Context, req gameplay.StartRequest) (gameplay.StartResult, error)
	Stop(ctx context.Context) (gameplay.StopResult, error)
	UpdateParameters(params map[string]any) error
	PerformAction(action string, payload any) (any, error)
	HTML() (string, error)
	Pause() error
	Resume() error
	Snapshot() gameplay.Snapshot
	Current() (gameID, source string, ok bool)
}

// MetaReader reads module metadata without starting it.
type MetaReader interface {
	Meta(ctx context.Context, path string) (gameplay.Meta, error)
}

// Stream hands out session stream subscriptions.
type Stream interface {
	Subscribe(ctx context.Context) *broadcast.Subscriber
}

// LogFiles lists and follows the durable log files. *log.FileSink
// satisfies it.
type LogFiles interface {
	Dir() string
	Files() ([]log.LogFile, error)
	Follow(ctx context.Context) <-chan log.Entry
}

// Publisher sends operator messages to the device bus. bus.Client
// satisfies it.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Deps are the collaborators the router serves. Logs, Bus, BusStatus and WS
// are optional.
type Deps struct {
	Devices  DeviceService
	Types    *devicetype.Catalog
	Games    GameCatalog
	Gameplay Gameplay
	Modules  MetaReader
	Stream   Stream
	WS       http.HandlerFunc
	Logs     LogFiles
	Bus      Publisher

	BusStatus func() any

	Token string
	// ActionRateLimit caps action submissions per client IP per minute.
	ActionRateLimit int
}

type handler struct {
	devices  DeviceService
	types    *devicetype.Catalog
	games    GameCatalog
	gameplay Gameplay
	modules  MetaReader
	stream   Stream
	logs     LogFiles
	bus      Publisher
	busStat  func() any
	logger   zerolog.Logger
}

func NewRouter(deps Deps) http.Handler {
	h := &handler{
		devices:  deps.Devices,
		types:    deps.Types,
		games:    deps.Games,
		gameplay: deps.Gameplay,
		modules:  deps.Modules,
		stream:   deps.Stream,
		logs:     deps.Logs,
		bus:      deps.Bus,
		busStat:  deps.BusStatus,
		logger:   log.WithComponent("api"),
	}
	if h.types == nil {
		h.types = devicetype.Default()
	}
	limit := deps.ActionRateLimit
	if limit <= 0 {
		limit = defaultActionRateLimit
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)
	r.Use(requestLogger(h.logger))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(deps.Token))
		r.Use(jsonMiddleware)

		r.Get("/health", h.health)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.listDevices)
			r.Delete("/all", h.clearDevices)
			r.Get("/{id}", h.getDevice)
			r.Patch("/{id}", h.updateDevice)
			r.Delete("/{id}", h.deleteDevice)
			r.Post("/{id}/operations/{key}", h.executeOperation)
			r.Get("/{id}/monitor", h.deviceMonitor)
		})

		r.Route("/device-types", func(r chi.Router) {
			r.Get("/", h.listDeviceTypes)
			r.Get("/configs", h.deviceTypeConfigs)
			r.Get("/{type}/config", h.deviceTypeConfig)
		})
		r.Get("/device-interfaces", h.deviceInterfaces)

		r.Route("/games", func(r chi.Router) {
			r.Get("/", h.listGames)
			r.Post("/reload", h.reloadGames)
			r.Post("/upload", h.uploadGame)
			r.Get("/status", h.gameStatus)
			r.Post("/stop-current", h.stopCurrent)

			r.Route("/current", func(r chi.Router) {
				r.Get("/stream", h.currentStream)
				if deps.WS != nil {
					r.Get("/ws", h.currentWS(deps.WS))
				}
				r.Get("/html", h.currentHTML)
				r.With(actionRateLimit(limit)).Post("/actions", h.currentAction)
				r.Put("/parameters", h.currentParameters)
				r.Post("/pause", h.pauseCurrent)
				r.Post("/resume", h.resumeCurrent)
			})

			r.Get("/{id}", h.getGame)
			r.Delete("/{id}", h.deleteGame)
			r.Get("/{id}/meta", h.gameMeta)
			r.Get("/{id}/config", h.gameConfig)
			r.Post("/{id}/start", h.startGame)
			r.Get("/{id}/stream", h.gameStream)
		})

		r.Get("/runs", h.listRuns)
		r.Get("/bus/status", h.busStatus)
		r.Route("/mqtt-client", func(r chi.Router) {
			r.Get("/status", h.busStatus)
			r.Post("/publish", h.busPublish)
		})
		r.Get("/logs/current", h.followLogs)
		r.Get("/logs/files", h.listLogFiles)
		r.Get("/logs/download/{filename}", h.downloadLogFile)
	})

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC()})
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,Cache-Control")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request and records its latency under the
// matched route pattern.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}
			elapsed := time.Since(start)
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())

			evt := logger.Debug()
			if status >= http.StatusInternalServerError {
				evt = logger.Warn()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", elapsed).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func actionRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			jsonError(w, http.StatusTooManyRequests, codeRateLimited, "too many actions, slow down")
		}),
	)
}

// decodeJSON decodes a single JSON value. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (h *handler) busStatus(w http.ResponseWriter, _ *http.Request) {
	if h.busStat == nil {
		jsonResponse(w, http.StatusOK, map[string]any{"connected": false, "kind": "none"})
		return
	}
	jsonResponse(w, http.StatusOK, h.busStat())
}
