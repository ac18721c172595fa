package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradegate/config"
	"tradegate/internal/metrics"
	"tradegate/internal/monitor"
	"tradegate/internal/realtime"
	"tradegate/logger"
)

// HealthSource is the slice of the connectivity monitor the server exposes.
type HealthSource interface {
	HealthCheck(ctx context.Context) monitor.HealthCheck
	LastReport() (monitor.MonitoringReport, bool)
	Probe(ctx context.Context, venue string) monitor.ConnectionStatus
}

// RealtimeSource reports realtime client counters.
type RealtimeSource interface {
	Stats() realtime.Stats
}

type Options struct {
	Health   HealthSource
	Realtime RealtimeSource
	// Prometheus mounts the scrape endpoint at /metrics.
	Prometheus bool
}

// Server hosts the gin-powered ops surface of the gateway.
type Server struct {
	cfg           config.DashboardConfig
	opts          Options
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, opts Options) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if opts.Health == nil {
		return nil, errors.New("dashboard requires a health source")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		opts:          opts,
		log:           log,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
	}, nil
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("ops server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		hc := s.opts.Health.HealthCheck(c.Request.Context())
		code := http.StatusOK
		if hc.Status == monitor.HealthCritical {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, hc)
	})

	router.GET("/api/report", func(c *gin.Context) {
		report, ok := s.opts.Health.LastReport()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no report yet"})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	router.GET("/api/probe/:venue", func(c *gin.Context) {
		status := s.opts.Health.Probe(c.Request.Context(), c.Param("venue"))
		c.JSON(http.StatusOK, status)
	})

	router.GET("/api/realtime", func(c *gin.Context) {
		if s.opts.Realtime == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "realtime client not configured"})
			return
		}
		c.JSON(http.StatusOK, s.opts.Realtime.Stats())
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot(c.Query("component"))
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		level := logrus.TraceLevel
		if q := c.Query("level"); q != "" {
			parsed, err := logrus.ParseLevel(q)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			level = parsed
		}
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(c.Query("component"), level)})
	})

	if s.opts.Prometheus {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	return router, nil
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
