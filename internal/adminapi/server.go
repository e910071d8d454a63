package adminapi

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/synqx/pipeline-core/internal/logging"
)

// Server is a lifecycle.Service wrapping the admin trigger/read surface's
// gin.Engine in an http.Server, following the same bind-then-background-
// serve shape as httpapi.Server.
type Server struct {
	Store     Store
	Log       *logging.Logger
	Addr      string
	JWTSecret string

	srv *http.Server
}

func (s *Server) Name() string { return "adminapi" }

func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.Log))

	h := &handler{s: s}

	admin := r.Group("/")
	admin.Use(bearerAuth(s.JWTSecret))
	admin.POST("/pipelines/:id/trigger", h.triggerPipeline)
	admin.GET("/jobs/:id", h.getJob)

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	s.srv = &http.Server{Addr: s.Addr, Handler: r}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Log.WithError(err).Error("adminapi: server stopped unexpectedly")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if log == nil {
			return
		}
		log.WithField("status", c.Writer.Status()).
			WithField("path", c.Request.URL.Path).
			Info("adminapi: request")
	}
}
