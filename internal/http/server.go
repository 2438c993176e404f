package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
)

const shutdownGrace = 10 * time.Second

// NewServer arma el http.Server con los timeouts del servicio.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// POST /v1/tasks espera el outcome de la publicación
		WriteTimeout: DefaultSubmitTimeout + 5*time.Second,
	}
}

// Serve atiende en ln hasta que ctx termina y luego hace un shutdown ordenado.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, log *zap.Logger) error {
	log = logger.OrNop(log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", logger.Err(err))
		return err
	}
	log.Info("http server stopped")
	return nil
}

// ListenAndServe es Serve sobre srv.Addr.
func ListenAndServe(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, srv, ln, log)
}
