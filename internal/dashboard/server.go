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
	"github.com/gorilla/websocket"

	"messariflow/config"
	"messariflow/logger"
)

// StatsFunc returns a point-in-time view of the pipeline counters. The
// returned value must be JSON-serializable.
type StatsFunc func() map[string]any

// Server hosts the monitoring endpoint for the pipeline. It exposes a
// health check, a stats snapshot and a websocket stream that pushes the
// stats on every refresh interval.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	stats      StatsFunc
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, stats StatsFunc, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	return &Server{
		cfg:       cfg,
		log:       log,
		stats:     stats,
		startedAt: time.Now().UTC(),
	}
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter(ctx)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	log := s.log.WithComponent("dashboard")
	log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		log.Info("dashboard stopped")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) buildRouter(ctx context.Context) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.startedAt).String(),
		})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.statsPayload())
	})

	router.GET("/ws", func(c *gin.Context) {
		s.handleWebSocket(ctx, c)
	})

	return router, nil
}

func (s *Server) statsPayload() gin.H {
	payload := gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"uptime":    time.Since(s.startedAt).String(),
	}
	if s.stats != nil {
		for k, v := range s.stats() {
			payload[k] = v
		}
	}
	return payload
}

// handleWebSocket pushes the stats snapshot to the client on every refresh
// tick until the client disconnects or the server shuts down.
func (s *Server) handleWebSocket(ctx context.Context, c *gin.Context) {
	log := s.log.WithComponent("dashboard")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("failed to upgrade websocket")
		return
	}
	defer conn.Close()

	// Reader goroutine detects client disconnects; the stream itself is
	// write-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.statsPayload()); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.statsPayload()); err != nil {
				return
			}
		}
	}
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
