package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/balancehold/balancehold/internal/balance"
)

// Client calls balance.v1.BalanceAPI over an existing connection using the
// JSON codec.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, in *UserRequest, opts ...grpc.CallOption) (*balance.BalanceSnapshot, error) {
	return invoke[balance.BalanceSnapshot](ctx, c, "GetBalance", in, opts...)
}

func (c *Client) AdjustLimits(ctx context.Context, in *AdjustRequest, opts ...grpc.CallOption) (*balance.BalanceSnapshot, error) {
	return invoke[balance.BalanceSnapshot](ctx, c, "AdjustLimits", in, opts...)
}

func (c *Client) AdjustCurrent(ctx context.Context, in *AdjustRequest, opts ...grpc.CallOption) (*balance.BalanceSnapshot, error) {
	return invoke[balance.BalanceSnapshot](ctx, c, "AdjustCurrent", in, opts...)
}

func (c *Client) OpenReservation(ctx context.Context, in *OpenReservationRequest, opts ...grpc.CallOption) (*balance.ReservationSnapshot, error) {
	return invoke[balance.ReservationSnapshot](ctx, c, "OpenReservation", in, opts...)
}

func (c *Client) ConfirmReservation(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*balance.ReservationSnapshot, error) {
	return invoke[balance.ReservationSnapshot](ctx, c, "ConfirmReservation", in, opts...)
}

func (c *Client) CancelReservation(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*balance.ReservationSnapshot, error) {
	return invoke[balance.ReservationSnapshot](ctx, c, "CancelReservation", in, opts...)
}

func (c *Client) RepairBalance(ctx context.Context, in *UserRequest, opts ...grpc.CallOption) (*balance.BalanceSnapshot, error) {
	return invoke[balance.BalanceSnapshot](ctx, c, "RepairBalance", in, opts...)
}

func (c *Client) GetReservation(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*balance.ReservationSnapshot, error) {
	return invoke[balance.ReservationSnapshot](ctx, c, "GetReservation", in, opts...)
}
