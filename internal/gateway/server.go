package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/breaker"
	"github.com/stephabauva/wellness-gateway/internal/cache"
	"github.com/stephabauva/wellness-gateway/internal/config"
	memtypes "github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/stephabauva/wellness-gateway/internal/metrics"
	"github.com/stephabauva/wellness-gateway/internal/pool"
	"github.com/stephabauva/wellness-gateway/internal/provider"
	"github.com/stephabauva/wellness-gateway/internal/queue"
	"github.com/stephabauva/wellness-gateway/internal/workerpool"
	"go.uber.org/zap"
)

// MemoryRetriever is the subset of the Intelligent Retriever the gateway
// needs to pull relevant memories into a chat request's system prompt
// before dispatch. Optional: a nil Retriever in Deps skips augmentation.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, userID int64, query string, convCtx memtypes.ConversationContext, maxResults int) ([]memtypes.RetrievedMemory, error)
}

// MemoryObserver receives a completed chat turn for best-effort,
// asynchronous learning. Implementations must not block the caller.
type MemoryObserver interface {
	ObserveTurn(userID int64, message, coachingMode string, recentTopics []string)
}

// memoryResultsPerRequest bounds how many retrieved memories are folded
// into one request's augmented system prompt.
const memoryResultsPerRequest = 5

// Config controls the HTTP front-end.
type Config struct {
	Addr           string
	APIKey         string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ShutdownGrace  time.Duration
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	JWT            config.JWTConfig
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		ShutdownGrace:  15 * time.Second,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
}

// Server is the gateway's HTTP front-end. It owns the queue, worker pool,
// cache, connection pool, and breaker registry wiring, and exposes the
// wire protocol described in the external-interfaces section. Lifecycle
// (Start/Shutdown) is grounded on the teacher's internal/server.Manager.
type Server struct {
	cfg       Config
	providers map[string]provider.Provider

	queue    *queue.Queue
	workers  *workerpool.Pool
	conn     *pool.Pool
	respCache *cache.Cache
	breakers *breaker.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger

	retriever MemoryRetriever
	observer  MemoryObserver

	httpServer *http.Server
	running    atomic.Bool
	errCh      chan error
	mu         sync.Mutex

	processed      atomic.Int64
	processingNsum atomic.Int64
}

// Deps bundles the shared components a Server wires together.
type Deps struct {
	Providers map[string]provider.Provider
	Queue     *queue.Queue
	Workers   *workerpool.Pool
	Conn      *pool.Pool
	Cache     *cache.Cache
	Breakers  *breaker.Registry
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	Retriever MemoryRetriever
	Observer  MemoryObserver
}

func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		providers: deps.Providers,
		queue:     deps.Queue,
		workers:   deps.Workers,
		conn:      deps.Conn,
		respCache: deps.Cache,
		breakers:  deps.Breakers,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("component", "gateway_server")),
		retriever: deps.Retriever,
		observer:  deps.Observer,
		errCh:     make(chan error, 1),
	}
}

func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/batch", s.handleBatch)
	mux.HandleFunc("POST /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/stream/ws", s.handleStreamWS)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /admin/stats", s.handleStats)
	mux.HandleFunc("GET /admin/cache", s.handleCacheInspect)
	mux.HandleFunc("DELETE /admin/cache", s.handleCacheClear)
	mux.HandleFunc("GET /health", s.handleHealth)

	handler := apiKeyMiddleware(s.cfg.APIKey, s.withMetrics(mux))
	return Chain(handler,
		RequestID(),
		SecurityHeaders(),
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.cfg.AllowedOrigins),
		RateLimiter(ctx, s.cfg.RateLimitRPS, s.cfg.RateLimitBurst),
		JWTAuth(s.cfg.JWT, []string{"/health"}, s.logger),
	)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController see through this wrapper to the
// underlying connection's Flush/Hijack support (SSE, websocket upgrade).
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Flush forwards to the underlying writer so SSE handlers can still
// type-assert http.Flusher straight off a wrapped ResponseWriter.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start launches the worker pool and the HTTP listener in the background.
// It returns immediately; fatal listener errors are delivered via Errors.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.New("server already running")
	}

	s.workers.Start(ctx)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.routes(ctx),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()

	s.logger.Info("gateway server started", zap.String("addr", s.cfg.Addr))
	return nil
}

// Errors surfaces fatal listener errors that occur after Start returns.
func (s *Server) Errors() <-chan error { return s.errCh }

// IsRunning reports whether Start has been called and Shutdown has not
// completed.
func (s *Server) IsRunning() bool { return s.running.Load() }

// Shutdown drains in-flight HTTP requests (bounded by Config.ShutdownGrace)
// and stops the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Swap(false) {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(shutdownCtx)
	}
	s.workers.Stop()
	s.logger.Info("gateway server stopped")
	return err
}

func (s *Server) recordProcessed(d time.Duration) {
	s.processed.Add(1)
	s.processingNsum.Add(int64(d))
}
