// Package api serves the read-only status surface. Every handler reads
// state out of the shared store; nothing here mutates a row, so the server
// can run alongside the cron processes without contending for write locks.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sanad-trader/internal/database"
	"sanad-trader/internal/health"
)

// Server wraps the gin router and its dependencies.
type Server struct {
	router  *gin.Engine
	repo    *database.Repository
	checker *health.Checker
	log     zerolog.Logger
}

// NewServer creates the status server
func NewServer(repo *database.Repository, checker *health.Checker, log zerolog.Logger, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())

	server := &Server{
		router:  router,
		repo:    repo,
		checker: checker,
		log:     log.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/portfolio", s.handlePortfolio)
		api.GET("/positions/open", s.handleOpenPositions)
		api.GET("/decisions/recent", s.handleRecentDecisions)
		api.GET("/tasks", s.handleTaskCounts)
		api.GET("/policy/active", s.handleActivePolicy)
	}
}

// Run starts the HTTP server (blocking)
func (s *Server) Run(addr string) error {
	s.log.Info().Str("addr", addr).Msg("status server listening")
	return s.router.Run(addr)
}

// handleHealth runs the full probe set; 503 when any check is CRIT.
func (s *Server) handleHealth(c *gin.Context) {
	report, err := s.checker.Run(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handlePortfolio(c *gin.Context) {
	portfolio, err := s.repo.GetPortfolio(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, portfolio)
}

func (s *Server) handleOpenPositions(c *gin.Context) {
	positions, err := s.repo.GetOpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(positions), "positions": positions})
}

func (s *Server) handleRecentDecisions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 500"})
			return
		}
		limit = n
	}
	decisions, err := s.repo.GetRecentDecisions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(decisions), "decisions": decisions})
}

func (s *Server) handleTaskCounts(c *gin.Context) {
	counts, err := s.repo.CountTasksByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleActivePolicy(c *gin.Context) {
	version, err := s.repo.GetActivePolicyVersion(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_version": version})
}
