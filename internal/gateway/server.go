package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fxflow/config"
	"fxflow/internal/metrics"
	"fxflow/internal/store"
	"fxflow/logger"
	"fxflow/models"
)

// SnapshotReader is the read side of the freshness cache.
type SnapshotReader interface {
	Latest(p models.Pair) (models.MergedSnapshot, error)
	Pairs() []models.Pair
	History(p models.Pair, from, to time.Time, limit int) []models.MergedSnapshot
	Subscribe(pair models.Pair, queueSize int) *store.Subscription
	Stats() store.Stats
}

// HealthReporter reports per-source scheduler state.
type HealthReporter interface {
	Health() []models.SourceHealth
}

// Server exposes snapshots over HTTP and WebSocket.
type Server struct {
	cfg        config.GatewayConfig
	log        *logger.Log
	pairs      []models.Pair
	tracked    map[models.Pair]bool
	snapshots  SnapshotReader
	health     HealthReporter
	collector  *metrics.Collector
	upgrader   websocket.Upgrader
	httpServer *http.Server

	events        *ring[metrics.Metric]
	logs          *logHook
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
}

// NewServer wires the gateway. health may be nil when no scheduler runs.
func NewServer(cfg config.GatewayConfig, pairs []models.Pair, snapshots SnapshotReader, health HealthReporter, collector *metrics.Collector, log *logger.Log) *Server {
	cfg.Addr = normalizeAddress(cfg.Addr)
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 500
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 200
	}

	tracked := make(map[models.Pair]bool, len(pairs))
	for _, p := range pairs {
		tracked[p] = true
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		pairs:     pairs,
		tracked:   tracked,
		snapshots: snapshots,
		health:    health,
		collector: collector,
		events:    newRing[metrics.Metric](cfg.RecentEvents),
		logs:      newLogHook(cfg.RecentEvents),
		sampler:   newResourceSampler(cfg.RecentEvents, cfg.ResourceSample, "/", log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.metricHandler = metrics.RegisterMetricHandler(s.events.add)
	log.AddHook(s.logs)
	return s
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.cleanup()

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.log.WithComponent("gateway").WithFields(logger.Fields{
		"addr":          s.cfg.Addr,
		"pairs":         len(s.pairs),
		"history_limit": s.cfg.HistoryLimit,
	}).Info("starting gateway")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("gateway").Info("gateway stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logs.close()
	s.sampler.stop()
}

// Address reports the listen address.
func (s *Server) Address() string {
	return s.cfg.Addr
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	api.GET("/pairs", s.handlePairs)
	api.GET("/snapshots", s.handleSnapshots)
	api.GET("/snapshot/:pair", s.handleSnapshot)
	api.GET("/history/:pair", s.handleHistory)
	api.GET("/subscribe", s.handleSubscribe)
	api.GET("/health", s.handleHealth)
	api.GET("/events", s.handleEvents)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", s.handleResources)

	router.GET("/metrics", gin.WrapH(s.collector.Handler()))
	return router
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
