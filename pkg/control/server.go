package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/metrics"
	"github.com/qbrc-cnap/mev-procman/pkg/processcontrol"
	"github.com/qbrc-cnap/mev-procman/pkg/supervisor"
)

// StatusResponse is the daemon-level status document.
type StatusResponse struct {
	State        supervisor.SupervisorState `json:"state"`
	ProgramCount int                        `json:"program_count"`
	Running      int                        `json:"running"`
}

// ActionResponse acknowledges a program lifecycle action.
type ActionResponse struct {
	Program string `json:"program"`
	Action  string `json:"action"`
	State   string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the supervisor over a local HTTP control API.
type Server struct {
	supervisor *supervisor.Supervisor
	logger     logging.Logger
	httpServer *http.Server
}

func NewServer(sv *supervisor.Supervisor, listenAddress string, logger logging.Logger) *Server {
	s := &Server{
		supervisor: sv,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              listenAddress,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Handler())

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", metrics.Exposer())

	api := router.Group("/api")
	api.GET("/status", s.status)
	api.GET("/programs", s.listPrograms)
	api.GET("/programs/:name", s.programStatus)
	api.POST("/programs/:name/start", s.startProgram)
	api.POST("/programs/:name/stop", s.stopProgram)
	api.POST("/programs/:name/restart", s.restartProgram)

	return router
}

// Start begins serving the control API. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("Control API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.NewNetworkError("control API server failed", err).WithContext("listen_address", s.httpServer.Addr)
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("Shutting down control API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	statuses := s.supervisor.ListPrograms()
	running := 0
	for _, status := range statuses {
		if status.State == processcontrol.ProcessStateRunning {
			running++
		}
	}
	c.JSON(http.StatusOK, StatusResponse{
		State:        s.supervisor.State(),
		ProgramCount: len(statuses),
		Running:      running,
	})
}

func (s *Server) listPrograms(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.ListPrograms())
}

func (s *Server) programStatus(c *gin.Context) {
	status, err := s.supervisor.ProgramStatus(c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) startProgram(c *gin.Context) {
	s.runAction(c, "start", func(name string) error {
		return s.supervisor.StartProgram(c.Request.Context(), name)
	})
}

func (s *Server) stopProgram(c *gin.Context) {
	s.runAction(c, "stop", func(name string) error {
		return s.supervisor.StopProgram(c.Request.Context(), name)
	})
}

func (s *Server) restartProgram(c *gin.Context) {
	force := c.Query("force") == "true"
	s.runAction(c, "restart", func(name string) error {
		return s.supervisor.RestartProgram(c.Request.Context(), name, force)
	})
}

func (s *Server) runAction(c *gin.Context, action string, fn func(name string) error) {
	name := c.Param("name")
	if err := fn(name); err != nil {
		s.logger.Warnf("Control API: %s %s failed: %v", action, name, err)
		s.writeError(c, err)
		return
	}

	status, err := s.supervisor.ProgramStatus(name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ActionResponse{
		Program: name,
		Action:  action,
		State:   string(status.State),
	})
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsConflictError(err):
		status = http.StatusConflict
	case errors.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.IsTimeoutError(err):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}
