package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/session"
)

var logf = monitoring.Component("rpc").Printf

// Ensure Server implements the gRPC interface.
var _ StateServiceServer = (*Server)(nil)

// States is the subscription side of the session manager.
type States interface {
	State() session.State
	Subscribe() (int, <-chan session.State)
	Unsubscribe(id int)
}

// Server streams session state to gRPC clients.
type Server struct {
	states  States
	clients atomic.Int64

	mu   sync.Mutex
	grpc *grpc.Server
	wg   sync.WaitGroup
}

func NewServer(states States) *Server {
	return &Server{states: states}
}

// Clients returns the number of open Watch streams.
func (s *Server) Clients() int64 { return s.clients.Load() }

// stateToStruct goes through JSON so the stream carries the same field
// names as the HTTP API.
func stateToStruct(st session.State) (*structpb.Struct, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func (s *Server) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	msg, err := stateToStruct(s.states.State())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode state: %v", err)
	}
	return msg, nil
}

// Watch sends the current state, then every change until the client goes
// away. A slow client skips intermediate states.
func (s *Server) Watch(_ *emptypb.Empty, stream StateService_WatchServer) error {
	ctx := stream.Context()
	id, c := s.states.Subscribe()
	defer s.states.Unsubscribe(id)
	s.clients.Add(1)
	defer s.clients.Add(-1)
	logf("watch %d opened", id)

	for {
		select {
		case <-ctx.Done():
			logf("watch %d closed", id)
			return ctx.Err()
		case st, ok := <-c:
			if !ok {
				return status.Error(codes.Unavailable, "state feed closed")
			}
			msg, err := stateToStruct(st)
			if err != nil {
				return status.Errorf(codes.Internal, "encode state: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// Serve registers the service on a new grpc.Server and serves lis in the
// background.
func (s *Server) Serve(lis net.Listener) *grpc.Server {
	g := grpc.NewServer()
	RegisterService(g, s)

	s.mu.Lock()
	s.grpc = g
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("gRPC server listening on %s", lis.Addr())
		if err := g.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logf("gRPC server error: %v", err)
		}
	}()
	return g
}

// ListenAndServe binds addr and serves on it.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.Serve(lis)
	return nil
}

// Stop closes every stream and waits for the serve loop to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	g := s.grpc
	s.grpc = nil
	s.mu.Unlock()
	if g == nil {
		return
	}
	// GracefulStop would wait for Watch streams, which only end when the
	// client leaves.
	g.Stop()
	s.wg.Wait()
	logf("gRPC server stopped")
}
