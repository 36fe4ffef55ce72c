package common

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// ServeHttp starts the given handler listening on port and returns a function that shuts
// it down gracefully. Errors from ListenAndServe are logged rather than returned, matching
// the fire-and-forget style of a sidecar health/metrics endpoint.
func ServeHttp(port uint16, handler http.Handler) func() {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warnf("http server on port %d exited", port)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warnf("error shutting down http server on port %d", port)
		}
	}
}
