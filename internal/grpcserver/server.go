// Package grpcserver hosts the pluggable component services on a Unix
// domain socket, where the Dapr sidecar discovers and drives them.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	proto "github.com/dapr/dapr/pkg/proto/components/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/wisbric/barnowl/pkg/state"
)

// Server wraps a gRPC server bound to a Unix domain socket.
type Server struct {
	logger     *slog.Logger
	socketPath string
	grpc       *grpc.Server
}

// NewServer registers the state store services on a fresh gRPC server.
// Reflection must be on: the sidecar queries the socket with it to learn
// which component interfaces live there.
func NewServer(handler *state.Handler, socketPath string, logger *slog.Logger) *Server {
	srv := grpc.NewServer()
	proto.RegisterStateStoreServer(srv, handler)
	proto.RegisterTransactionalStateStoreServer(srv, handler)
	reflection.Register(srv)

	return &Server{
		logger:     logger,
		socketPath: socketPath,
		grpc:       srv,
	}
}

// Serve listens on the socket and blocks until Shutdown is called or the
// listener fails. A stale socket left by a previous run is removed first,
// otherwise the bind fails with "address already in use".
func (s *Server) Serve() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket folder: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	s.logger.Info("component server listening", "socket", s.socketPath)
	return s.grpc.Serve(lis)
}

// Shutdown drains in-flight RPCs and closes the listener, which unlinks
// the socket file. When ctx expires before the drain completes, remaining
// RPCs are cut off hard.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful drain timed out, stopping hard")
		s.grpc.Stop()
	}
}
