package ledger

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterGatewayServer exposes c on s as the passkeeper.ledger.v1.Ledger
// service that GRPCClient speaks. Used by the dev ledger process and by
// tests; a production gateway implements the same service in front of
// the real ledger.
func RegisterGatewayServer(s grpc.ServiceRegistrar, c Client) {
	s.RegisterService(&gatewayDesc, c)
}

var gatewayDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Client)(nil),
	Methods: []grpc.MethodDesc{
		unary("QueryTransactions", serveQueryTransactions),
		unary("QueryPurchases", serveQueryPurchases),
		unary("QueryBalance", serveQueryBalance),
		unary("GetEvent", serveGetEvent),
		unary("IsAuthorizedOperator", serveIsAuthorizedOperator),
		unary("SubmitCheckIn", serveSubmitCheckIn),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SubscribeEvents", Handler: serveSubscribeEvents, ServerStreams: true},
	},
	Metadata: "passkeeper/ledger/v1/ledger.proto",
}

type unaryFn func(ctx context.Context, c Client, in *structpb.Struct) (map[string]any, error)

func unary(name string, fn unaryFn) grpc.MethodDesc {
	call := func(ctx context.Context, c Client, in *structpb.Struct) (any, error) {
		out, err := fn(ctx, c, in)
		if err != nil {
			return nil, toStatus(err)
		}
		return structpb.NewStruct(out)
	}

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			c := srv.(Client)
			if interceptor == nil {
				return call(ctx, c, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(ctx, c, req.(*structpb.Struct))
			})
		},
	}
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func serveQueryTransactions(ctx context.Context, c Client, in *structpb.Struct) (map[string]any, error) {
	limit, _ := strconv.Atoi(str(in, "limit"))
	txs, err := c.QueryTransactions(ctx, str(in, "account"), limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, len(txs))
	for i, tx := range txs {
		items[i] = txToMap(tx)
	}
	return map[string]any{"transactions": listOf(items)}, nil
}

func serveQueryPurchases(ctx context.Context, c Client, in *structpb.Struct) (map[string]any, error) {
	ps, err := c.QueryPurchases(ctx, str(in, "account"), str(in, "eventId"))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, len(ps))
	for i, p := range ps {
		items[i] = purchaseToMap(p)
	}
	return map[string]any{"purchases": listOf(items)}, nil
}

func serveQueryBalance(ctx context.Context, c Client, in *structpb.Struct) (map[string]any, error) {
	bal, err := c.QueryBalance(ctx, str(in, "account"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"balance": bal.String()}, nil
}

func serveGetEvent(ctx context.Context, c Client, in *structpb.Struct) (map[string]any, error) {
	meta, err := c.EventDetails(ctx, str(in, "eventId"))
	if err != nil {
		return nil, err
	}
	return metadataToMap(meta), nil
}

func serveIsAuthorizedOperator(ctx context.Context, c Client, in *structpb.Struct) (map[string]any, error) {
	ok, err := c.IsAuthorizedOperator(ctx, str(in, "operator"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"authorized": ok}, nil
}

func serveSubmitCheckIn(ctx context.Context, c Client, in *structpb.Struct) (map[string]any, error) {
	n, err := strconv.Atoi(str(in, "ticketNumber"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "ticketNumber must be an integer")
	}
	conf, err := c.SubmitCheckIn(ctx, CheckInSubmission{
		Account:      str(in, "account"),
		EventID:      str(in, "eventId"),
		TicketNumber: n,
		Operator:     str(in, "operator"),
	})
	if err != nil {
		return nil, err
	}
	return confirmationToMap(conf), nil
}

func serveSubscribeEvents(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	ctx := stream.Context()
	sub, err := srv.(Client).SubscribeEvents(ctx)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return toStatus(err)
		}
		msg, err := structpb.NewStruct(eventToMap(ev))
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
}
