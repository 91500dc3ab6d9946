package transport

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rowflow/internal/logging"
)

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

func NewServer(opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// StartServer listens on addr and registers the control service.
func StartServer(addr string, control ControlServer) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := NewServer()
	s.lis = lis
	s.RegisterControl(control)
	return s, nil
}

func (s *Server) RegisterControl(c ControlServer) {
	s.grpc.RegisterService(&controlDesc, c)
	s.health.SetServingStatus(ControlService, healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) RegisterTransformer(t TransformerServer) {
	s.grpc.RegisterService(&transformerDesc, t)
	s.health.SetServingStatus(TransformerService, healthpb.HealthCheckResponse_SERVING)
}

// Addr is the listening address, or nil before Serve is given a listener.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Serve blocks until Stop. A nil lis reuses the listener of StartServer.
func (s *Server) Serve(lis net.Listener) error {
	if lis != nil {
		s.lis = lis
	}
	logging.L().Info("control server listening", "addr", s.lis.Addr().String())
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
