// Package ingress exposes the two inbound HTTP endpoints: the origination
// webhook and the Slack interactions callback.
package ingress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/dispatch"
)

// StartOpts holds configuration for the ingress server.
type StartOpts struct {
	Dispatcher *dispatch.Dispatcher
	Port       int
	Out        io.Writer
}

// Start launches the ingress HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Dispatcher == nil {
		return fmt.Errorf("ingress: dispatcher is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	router := NewRouter(opts.Dispatcher, out)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	fmt.Fprintf(out, "Ingress listening on :%d\n", opts.Port)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ingress: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with both webhook routes registered.
func NewRouter(d *dispatch.Dispatcher, out io.Writer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Both endpoints are POST-only; anything else is a 405.
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	router.POST("/api/requests", handleOrigination(d, out))
	router.POST("/api/interactions", handleInteraction(d, out))
	return router
}
