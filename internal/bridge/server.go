// Package bridge exposes the client over HTTP so a separate UI process can
// drive it: JSON endpoints call into the core and an SSE stream carries the
// listener callbacks back out.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/turn"
)

// DefaultPort is used when StartOpts.Port is unset.
const DefaultPort = 8787

// Core is the part of *client.Client the bridge drives.
type Core interface {
	Status() client.Status
	SwitchServer(id string) error
	ListSessions(ctx context.Context) ([]session.Summary, error)
	SwitchSession(key string) ([]models.CachedMessage, error)
	Messages(key string) ([]models.CachedMessage, error)
	Submit(ctx context.Context, key, text string, attachments []protocol.Attachment) (turn.Turn, error)
	Stop(key string) (bool, error)
	Refresh(ctx context.Context, key string) ([]models.CachedMessage, error)
}

// StartOpts holds configuration for the bridge server.
type StartOpts struct {
	Core        Core
	Broadcaster *Broadcaster
	Port        int
	Out         io.Writer
	Logger      zerolog.Logger
}

// Start serves the bridge until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Core == nil {
		return fmt.Errorf("bridge: core is required")
	}
	if opts.Broadcaster == nil {
		return fmt.Errorf("bridge: broadcaster is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", opts.Port),
		Handler:           NewHandler(opts.Core, opts.Broadcaster, opts.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Bridge listening on http://127.0.0.1:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}

// NewHandler builds the gin engine serving every bridge route.
func NewHandler(core Core, b *Broadcaster, logger zerolog.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger.With().Str("component", "bridge").Logger()))
	registerRoutes(router, core, b)
	return router
}

// requestLogger logs each request at debug level.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
