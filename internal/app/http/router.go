package transport

import (
	"fmt"
	"log/slog"
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"devbridge/internal/observability"
)

// corsAllowedHeaders lists the request headers a browser extension may send.
const corsAllowedHeaders = "Content-Type,Authorization,X-Request-Id," + observability.TokenHeader

type Handlers struct {
	Snapshot stdhttp.HandlerFunc
	Apply    stdhttp.HandlerFunc
	Healthz  stdhttp.HandlerFunc
	Version  stdhttp.HandlerFunc
	Metrics  stdhttp.HandlerFunc
}

type Options struct {
	Token   string
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewRouter wires every route behind the loopback check and, after CORS
// preflight handling, the token check.
func NewRouter(opts Options, handlers Handlers) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observability.Logging(opts.Logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)
	r.Use(observability.LoopbackOnly)
	r.Use(cors)

	r.Group(func(api chi.Router) {
		api.Use(observability.LocalToken(opts.Token))

		api.Get("/snapshot", mustHandler("snapshot", handlers.Snapshot))
		api.Post("/apply", mustHandler("apply", handlers.Apply))
		api.Get("/healthz", mustHandler("healthz", handlers.Healthz))
		api.Get("/version", mustHandler("version", handlers.Version))
		api.Get("/metrics", mustHandler("metrics", handlers.Metrics))
	})
	return r
}

func mustHandler(name string, handler stdhttp.HandlerFunc) stdhttp.HandlerFunc {
	if handler == nil {
		panic(fmt.Sprintf("transport: handler %q is not configured", name))
	}
	return handler
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
		w.Header().Set("Access-Control-Expose-Headers", "ETag")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
