package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goatnetwork/goat-mixer/internal/coordinator"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/types"
	log "github.com/sirupsen/logrus"
)

// MixService is the engine surface served over HTTP.
type MixService interface {
	QueueMixRequest(ctx context.Context, req types.MixRequest) (string, error)
	GetMixStatus(mixID string) (mixer.MixStatus, error)
	GetStatus() mixer.EngineStatus
	GetStatistics() mixer.Statistics
	HealthCheck(ctx context.Context) mixer.HealthReport
}

type PoolStatistics interface {
	GetPoolStatistics(currency string) (pool.PoolStatistics, error)
}

// Participants is the CoinJoin rendezvous answered by participants.
type Participants interface {
	Invitations(participantID string) []coordinator.Invitation
	Confirm(coordinationID, participantID string) error
	Decline(coordinationID, participantID string) error
	SubmitSignature(coordinationID, participantID string, signed []byte) error
}

var (
	_ MixService     = (*mixer.Engine)(nil)
	_ PoolStatistics = (*pool.PoolManager)(nil)
	_ Participants   = (*coordinator.Coordinator)(nil)
)

type HTTPServer struct {
	port         string
	jwtSecret    []byte
	engine       MixService
	pools        PoolStatistics
	participants Participants
	metrics      http.Handler
}

// NewHTTPServer serves the mixer API. When jwtSecret is set the monitoring routes
// require an HS256 bearer token; metrics may be nil.
func NewHTTPServer(port, jwtSecret string, engine MixService, pools PoolStatistics, participants Participants, metrics http.Handler) *HTTPServer {
	hs := &HTTPServer{
		port:         port,
		engine:       engine,
		pools:        pools,
		participants: participants,
		metrics:      metrics,
	}
	if jwtSecret != "" {
		hs.jwtSecret = []byte(jwtSecret)
	}
	return hs
}

func (hs *HTTPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	v1 := r.Group("/api/v1")
	v1.POST("/mix", hs.handleQueueMix)
	v1.GET("/mix/:id", hs.handleMixStatus)

	v1.GET("/coinjoin/:participant", hs.handleInvitations)
	v1.POST("/coinjoin/:id/confirm", hs.handleConfirm)
	v1.POST("/coinjoin/:id/signature", hs.handleSignature)

	monitor := r.Group("/")
	if hs.jwtSecret != nil {
		monitor.Use(jwtAuth(hs.jwtSecret))
	}
	monitor.GET("/api/v1/status", hs.handleStatus)
	monitor.GET("/api/v1/statistics", hs.handleStatistics)
	monitor.GET("/api/v1/health", hs.handleHealth)
	monitor.GET("/api/v1/pools/:currency", hs.handlePool)
	if hs.metrics != nil {
		monitor.GET("/metrics", gin.WrapH(hs.metrics))
	}
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (hs *HTTPServer) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:              ":" + hs.port,
		Handler:           hs.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("HTTP server shutdown: %v", err)
		}
	}()

	log.Infof("HTTP server is running on port %s", hs.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}
