package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/balancehold/balancehold/internal/balance"
)

// ServiceName is the fully qualified RPC service name.
const ServiceName = "balance.v1.BalanceAPI"

// UserRequest addresses a single user's balance.
type UserRequest struct {
	UserID string `json:"user_id"`
}

// AdjustRequest moves one balance field by Delta, which may be negative.
type AdjustRequest struct {
	UserID string `json:"user_id"`
	Delta  int64  `json:"delta"`
}

// OpenReservationRequest places a hold.
type OpenReservationRequest struct {
	UserID         string `json:"user_id"`
	ServiceID      string `json:"service_id"`
	ExternalTxID   string `json:"external_tx_id"`
	Amount         int64  `json:"amount"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// ReservationRequest addresses a reservation by its idempotency key.
type ReservationRequest struct {
	UserID       string `json:"user_id"`
	ServiceID    string `json:"service_id"`
	ExternalTxID string `json:"external_tx_id"`
}

func (r *ReservationRequest) key() balance.Key {
	return balance.Key{UserID: r.UserID, ServiceID: r.ServiceID, ExternalTxID: r.ExternalTxID}
}

// BalanceAPIServer is the server side of balance.v1.BalanceAPI.
type BalanceAPIServer interface {
	GetBalance(context.Context, *UserRequest) (*balance.BalanceSnapshot, error)
	AdjustLimits(context.Context, *AdjustRequest) (*balance.BalanceSnapshot, error)
	AdjustCurrent(context.Context, *AdjustRequest) (*balance.BalanceSnapshot, error)
	OpenReservation(context.Context, *OpenReservationRequest) (*balance.ReservationSnapshot, error)
	ConfirmReservation(context.Context, *ReservationRequest) (*balance.ReservationSnapshot, error)
	CancelReservation(context.Context, *ReservationRequest) (*balance.ReservationSnapshot, error)
	RepairBalance(context.Context, *UserRequest) (*balance.BalanceSnapshot, error)
	GetReservation(context.Context, *ReservationRequest) (*balance.ReservationSnapshot, error)
}

// ServiceDesc describes balance.v1.BalanceAPI for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BalanceAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetBalance", BalanceAPIServer.GetBalance),
		unary("AdjustLimits", BalanceAPIServer.AdjustLimits),
		unary("AdjustCurrent", BalanceAPIServer.AdjustCurrent),
		unary("OpenReservation", BalanceAPIServer.OpenReservation),
		unary("ConfirmReservation", BalanceAPIServer.ConfirmReservation),
		unary("CancelReservation", BalanceAPIServer.CancelReservation),
		unary("RepairBalance", BalanceAPIServer.RepairBalance),
		unary("GetReservation", BalanceAPIServer.GetReservation),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "balance/v1/balance_api.json",
}

// RegisterBalanceAPIServer registers impl on s.
func RegisterBalanceAPIServer(s grpc.ServiceRegistrar, impl BalanceAPIServer) {
	s.RegisterService(&ServiceDesc, impl)
}

func unary[Req, Resp any](name string, call func(BalanceAPIServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(BalanceAPIServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(impl, ctx, req.(*Req))
			})
		},
	}
}
