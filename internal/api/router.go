// Package api exposes the conversion pipeline and the speaker store over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/embedding"
	"github.com/book-expert/vc-service/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes.
const (
	routeSpeakers         = "/api/speakers"
	routeCompatibility    = "/api/speakers/compatibility/{speaker1}/{speaker2}"
	routeSimilarityMatrix = "/api/speakers/similarity-matrix"
	routeConvert          = "/api/rvc"
	routeConvertStream    = "/api/rvc/stream"
	routeTTS              = "/api/tts"
	routeModelReload      = "/api/model/reload"
	routeHealth           = "/health"
	routeMetrics          = "/metrics"
)

const (
	corsMaxAge       = 300
	bytesPerMegabyte = 1 << 20
	defaultUploadMB  = 64
)

// Speakers is the read side of the embedding store.
type Speakers interface {
	Names() []string
	SimilarityMatrix() map[string]map[string]float64
	Compatibility(speaker1, speaker2 string) (embedding.Compatibility, error)
}

// Models controls and reports on the loaded model.
type Models interface {
	Reload(ctx context.Context) (uint64, error)
	Status() model.Status
	Health(ctx context.Context) error
}

// RequestObserver counts responses per route.
type RequestObserver interface {
	ObserveRequest(route string, code int)
}

// Options configures the router.
type Options struct {
	MaxUploadMB    int
	AllowedOrigins []string
	// Synthesizer is optional; without it /api/tts answers 503.
	Synthesizer core.Synthesizer
	// Metrics is optional and served on /metrics.
	Metrics http.Handler
	// Observer is optional.
	Observer RequestObserver
}

// Server holds the HTTP handlers.
type Server struct {
	converter core.Converter
	speakers  Speakers
	models    Models
	opts      Options
	log       *logger.Logger
}

// NewServer creates a Server.
func NewServer(converter core.Converter, speakers Speakers, models Models, opts Options, log *logger.Logger) *Server {
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = defaultUploadMB
	}

	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	return &Server{
		converter: converter,
		speakers:  speakers,
		models:    models,
		opts:      opts,
		log:       log,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         corsMaxAge,
	}))
	router.Use(middleware.StripSlashes)
	router.Use(s.accessLog)
	router.Use(middleware.Recoverer)

	router.Get(routeHealth, s.health)

	if s.opts.Metrics != nil {
		router.Handle(routeMetrics, s.opts.Metrics)
	}

	router.Get(routeSpeakers, s.listSpeakers)
	router.Get(routeCompatibility, s.compatibility)
	router.Get(routeSimilarityMatrix, s.similarityMatrix)
	router.Post(routeConvert, s.convert)
	router.Post(routeConvertStream, s.convertStream)
	router.Post(routeTTS, s.textToSpeech)
	router.Post(routeModelReload, s.reloadModel)

	return router
}

// accessLog logs each request and reports it to the observer.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		s.log.Info("%s %s %d %dB %s [%s]", r.Method, r.URL.Path, status, ww.BytesWritten(),
			time.Since(start), middleware.GetReqID(r.Context()))

		if s.opts.Observer != nil {
			s.opts.Observer.ObserveRequest(route, status)
		}
	})
}
