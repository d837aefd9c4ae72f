// Package dashboard serves the queue over HTTP and streams queue events to
// browsers over a WebSocket.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rustyeddy/optqueue/backend"
	"github.com/rustyeddy/optqueue/internal/logging"
	"github.com/rustyeddy/optqueue/queue"
	"github.com/rustyeddy/optqueue/storage"
)

// Manager is the queue surface the dashboard drives. *queue.Manager
// implements it.
type Manager interface {
	State(ctx context.Context) (queue.State, error)
	AddItem(ctx context.Context, it queue.Item) (queue.Item, error)
	RemoveItem(ctx context.Context, itemID string) error
	ClearQueue(ctx context.Context) error
	Run(ctx context.Context) (queue.Summary, error)
	RequestStop() bool
	Cancel() bool
	Running() bool
	Subscribe(o queue.Observer) func()
}

// StrategySource resolves the strategy definition a form is validated
// against. backend.Client implements it.
type StrategySource interface {
	GetStrategyConfig(ctx context.Context, id string) (*backend.StrategyConfig, error)
}

// StatusSource exposes the published run status. storage.Channel implements
// it.
type StatusSource interface {
	Status(ctx context.Context) (storage.RunStatus, bool, error)
}

type Server struct {
	manager    Manager
	strategies StrategySource
	status     StatusSource
	builder    queue.Builder
	hub        *Hub
	log        *logging.Logger

	// runCtx outlives individual requests; runs started over HTTP end when
	// it is cancelled.
	runCtx context.Context
	runWG  sync.WaitGroup

	engine *gin.Engine
}

// Options configures a Server. Only Manager is required.
type Options struct {
	Manager    Manager
	Strategies StrategySource
	Status     StatusSource
	Builder    queue.Builder
	Logger     *logging.Logger
}

// New wires routes and subscribes the hub to the manager's events. ctx
// bounds runs started through the API.
func New(ctx context.Context, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		manager:    opts.Manager,
		strategies: opts.Strategies,
		status:     opts.Status,
		builder:    opts.Builder,
		hub:        NewHub(log),
		log:        log.With("dashboard"),
		runCtx:     ctx,
	}
	s.manager.Subscribe(s.hub)
	s.engine = s.routes()
	return s
}

// Hub exposes the event hub so other producers can broadcast.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	api := r.Group("/api")
	api.GET("/queue", s.getQueue)
	api.POST("/queue/items", s.idleOnly, s.addItem)
	api.DELETE("/queue/items/:id", s.idleOnly, s.removeItem)
	api.DELETE("/queue", s.idleOnly, s.clearQueue)
	api.POST("/queue/run", s.idleOnly, s.runQueue)
	api.POST("/queue/stop", s.stopQueue)
	api.POST("/queue/cancel", s.cancelQueue)
	api.GET("/run/status", s.runStatus)

	r.GET("/ws", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("http method=%s path=%s status=%d took=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// idleOnly rejects mutations while a run is active.
func (s *Server) idleOnly(c *gin.Context) {
	if s.manager.Running() {
		abortError(c, http.StatusConflict, queue.ErrQueueRunning)
		return
	}
	c.Next()
}

func (s *Server) getQueue(c *gin.Context) {
	st, err := s.manager.State(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": st, "running": s.manager.Running()})
}

func (s *Server) addItem(c *gin.Context) {
	var form queue.Form
	if err := c.ShouldBindJSON(&form); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if form.StrategyID == "" {
		s.fail(c, &queue.ValidationError{Kind: queue.KindNoStrategy, Message: "select a strategy"})
		return
	}
	if s.strategies == nil {
		abortError(c, http.StatusServiceUnavailable, errors.New("no strategy source configured"))
		return
	}

	ctx := c.Request.Context()
	strategy, err := s.strategies.GetStrategyConfig(ctx, form.StrategyID)
	if err != nil {
		s.fail(c, err)
		return
	}
	st, err := s.manager.State(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.builder.Build(form, strategy, st.NextIndex)
	if err != nil {
		s.fail(c, err)
		return
	}
	stored, err := s.manager.AddItem(ctx, item)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) removeItem(c *gin.Context) {
	if err := s.manager.RemoveItem(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearQueue(c *gin.Context) {
	if err := s.manager.ClearQueue(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// runQueue starts a run in the background and returns immediately. Progress
// is reported over /ws and /api/run/status.
func (s *Server) runQueue(c *gin.Context) {
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		sum, err := s.manager.Run(s.runCtx)
		if err != nil {
			s.log.Errorf("queue run failed: %v", err)
			return
		}
		s.log.Infof("queue run finished total=%d succeeded=%d failed=%d", sum.Total, sum.Succeeded, sum.Failed)
	}()
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

func (s *Server) stopQueue(c *gin.Context) {
	if !s.manager.RequestStop() {
		abortError(c, http.StatusConflict, errors.New("queue is not running"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stopping": true})
}

func (s *Server) cancelQueue(c *gin.Context) {
	if !s.manager.Cancel() {
		abortError(c, http.StatusConflict, errors.New("queue is not running"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
}

func (s *Server) runStatus(c *gin.Context) {
	if s.status == nil {
		c.Status(http.StatusNoContent)
		return
	}
	st, ok, err := s.status.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, st)
}

// fail maps domain errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":   verr.Message,
			"kind":    verr.Kind,
			"details": verr.Details,
		})
	case errors.Is(err, queue.ErrQueueRunning), errors.Is(err, queue.ErrAlreadyRunning):
		abortError(c, http.StatusConflict, err)
	case errors.Is(err, queue.ErrItemNotFound), errors.Is(err, backend.ErrNotFound):
		abortError(c, http.StatusNotFound, err)
	default:
		s.log.Errorf("request failed path=%s: %v", c.Request.URL.Path, err)
		abortError(c, http.StatusInternalServerError, err)
	}
}

func abortError(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and waits for runs started over HTTP to return.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening addr=%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	return err
}

// Wait blocks until every run started over HTTP has returned.
func (s *Server) Wait() {
	s.runWG.Wait()
}
