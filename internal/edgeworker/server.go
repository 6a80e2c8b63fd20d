package edgeworker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ceedaragents/cyrus-sub002/internal/common/httpmw"
)

// Common errors.
var (
	ErrWorkerAlreadyRunning = errors.New("edge worker is already running")
	ErrWorkerNotRunning     = errors.New("edge worker is not running")
)

// Serve builds the gin engine the worker exposes: the transport's webhook
// route, and an optional CLI health check.
func (w *Worker) Serve() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), httpmw.RequestLogger(w.logger, "edgeworker"))

	w.transport.RegisterRoutes(r)

	if w.cfg.CLIHealth {
		r.GET("/cli/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":    "ok",
				"platform":  w.cfg.Platform,
				"timestamp": time.Now().UTC(),
			})
		})
	}

	return r
}

// Start runs the HTTP server and the terminal-session GC loop until ctx is
// canceled or Stop is called, whichever comes first. Mirrors the teacher's
// Start/Stop lifecycle with a mutex-guarded running flag; no session
// reconciliation is done at startup and no agent processes are launched.
func (w *Worker) Start(ctx context.Context, addr string) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWorkerAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("starting edge worker", zap.String("addr", addr))

	httpSrv := &http.Server{Addr: addr, Handler: w.Serve()}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		w.runGC(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	w.mu.Lock()
	w.stopFn = cancel
	w.mu.Unlock()

	err := group.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("edge worker stopped with error", zap.Error(err))
		return err
	}
	w.logger.Info("edge worker stopped")
	return nil
}

// Stop signals Start's background goroutines to shut down and wait for the
// HTTP server to drain.
func (w *Worker) Stop() error {
	w.mu.Lock()
	stopFn := w.stopFn
	running := w.running
	w.mu.Unlock()

	if !running || stopFn == nil {
		return ErrWorkerNotRunning
	}
	stopFn()
	return nil
}

func (w *Worker) runGC(ctx context.Context) {
	if w.cfg.GCInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PurgeExpiredSessions()
		}
	}
}
