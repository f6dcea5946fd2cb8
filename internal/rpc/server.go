package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/balancehold/balancehold/internal/balance"
)

const requestIDKey = "x-request-id"

// Server wraps the grpc server exposing balance.v1.BalanceAPI, the standard
// health service and reflection.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     *slog.Logger
}

// NewServer builds the RPC server on top of the balance service.
func NewServer(addr string, svc *balance.Service, logger *slog.Logger) *Server {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoverInterceptor(logger),
		loggingInterceptor(logger),
	))
	RegisterBalanceAPIServer(grpcServer, &balanceServer{svc: svc})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	return &Server{grpcServer: grpcServer, health: healthServer, addr: addr, logger: logger}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("rpc server listening", slog.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Listen binds the configured address and serves on it.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	return s.Serve(lis)
}

// Shutdown reports NOT_SERVING, then drains in-flight calls. When ctx ends
// first the remaining calls are cut off.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
}

type balanceServer struct {
	svc *balance.Service
}

func (s *balanceServer) GetBalance(ctx context.Context, in *UserRequest) (*balance.BalanceSnapshot, error) {
	return balanceReply(s.svc.Balance(ctx, in.UserID))
}

func (s *balanceServer) AdjustLimits(ctx context.Context, in *AdjustRequest) (*balance.BalanceSnapshot, error) {
	return balanceReply(s.svc.AdjustMaximum(ctx, in.UserID, in.Delta))
}

func (s *balanceServer) AdjustCurrent(ctx context.Context, in *AdjustRequest) (*balance.BalanceSnapshot, error) {
	return balanceReply(s.svc.AdjustCurrent(ctx, in.UserID, in.Delta))
}

func (s *balanceServer) OpenReservation(ctx context.Context, in *OpenReservationRequest) (*balance.ReservationSnapshot, error) {
	return reservationReply(s.svc.OpenReservation(ctx, balance.OpenInput{
		UserID:         in.UserID,
		ServiceID:      in.ServiceID,
		ExternalTxID:   in.ExternalTxID,
		Amount:         in.Amount,
		TimeoutSeconds: in.TimeoutSeconds,
	}))
}

func (s *balanceServer) ConfirmReservation(ctx context.Context, in *ReservationRequest) (*balance.ReservationSnapshot, error) {
	return reservationReply(s.svc.ConfirmReservation(ctx, in.key()))
}

func (s *balanceServer) CancelReservation(ctx context.Context, in *ReservationRequest) (*balance.ReservationSnapshot, error) {
	return reservationReply(s.svc.CancelReservation(ctx, in.key()))
}

func (s *balanceServer) RepairBalance(ctx context.Context, in *UserRequest) (*balance.BalanceSnapshot, error) {
	return balanceReply(s.svc.RepairBalance(ctx, in.UserID))
}

func (s *balanceServer) GetReservation(ctx context.Context, in *ReservationRequest) (*balance.ReservationSnapshot, error) {
	return reservationReply(s.svc.Reservation(ctx, in.key()))
}

func balanceReply(b balance.Balance, err error) (*balance.BalanceSnapshot, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	snap := b.Snapshot()
	return &snap, nil
}

func reservationReply(r balance.Reservation, err error) (*balance.ReservationSnapshot, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	snap := r.Snapshot()
	return &snap, nil
}

// Code maps an error kind to its RPC status code.
func Code(err error) codes.Code {
	switch balance.KindOf(err) {
	case balance.KindInvalidArgument:
		return codes.InvalidArgument
	case balance.KindLimitViolation, balance.KindInsufficientFunds, balance.KindExpired:
		return codes.FailedPrecondition
	case balance.KindAlreadyFinalized:
		return codes.AlreadyExists
	case balance.KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// toStatus converts err to an RPC status. Domain errors carry their kind in an
// ErrorInfo detail, since several kinds share a code.
func toStatus(err error) error {
	code := Code(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	st := status.New(code, err.Error())
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(balance.KindOf(err)),
		Domain: ServiceName,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// KindOf returns the balance error kind carried by an RPC error, or "" when
// the error has none.
func KindOf(err error) balance.Kind {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ServiceName {
			return balance.Kind(info.GetReason())
		}
	}
	return ""
}

func recoverInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("rpc handler panic", slog.String("method", info.FullMethod), slog.Any("panic", r))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// loggingInterceptor logs each call with the caller's x-request-id, assigning
// one when the metadata carries none.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		reqID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(requestIDKey); len(ids) > 0 {
				reqID = ids[0]
			}
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, reqID))

		start := time.Now()
		resp, err := handler(ctx, req)

		attrs := []any{
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", reqID),
		}
		if err != nil && status.Code(err) == codes.Internal {
			logger.Error("rpc completed", append(attrs, slog.Any("error", err))...)
		} else {
			logger.Info("rpc completed", attrs...)
		}
		return resp, err
	}
}
