package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "passkeeper.ledger.v1.Ledger"

func method(name string) string { return "/" + serviceName + "/" + name }

// GRPCClient talks to a ledger gateway over gRPC.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target. The connection is established lazily;
// call WaitReady to block until the gateway is reachable.
func Dial(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc.NewClient: %w", err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Close() error { return c.conn.Close() }

// WaitReady blocks until the connection is ready or ctx ends.
func (c *GRPCClient) WaitReady(ctx context.Context) error {
	c.conn.Connect()
	for {
		s := c.conn.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !c.conn.WaitForStateChange(ctx, s) {
			return fmt.Errorf("ledger gateway not ready (%s): %w", s, ErrUnavailable)
		}
	}
}

func (c *GRPCClient) call(ctx context.Context, name string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", name, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method(name), in, out); err != nil {
		return nil, fmt.Errorf("%s: %w", name, mapStatus(err))
	}
	return out, nil
}

// mapStatus folds gRPC status codes into the ledger error taxonomy.
func mapStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, st.Message())
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, st.Code(), st.Message())
	}
}

func (c *GRPCClient) QueryTransactions(ctx context.Context, account string, limit int) ([]TransactionRecord, error) {
	out, err := c.call(ctx, "QueryTransactions", map[string]any{
		"account": account,
		"limit":   strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	items := structList(out, "transactions")
	txs := make([]TransactionRecord, 0, len(items))
	for _, s := range items {
		tx, err := txFromStruct(s)
		if err != nil {
			return nil, fmt.Errorf("QueryTransactions decode: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (c *GRPCClient) QueryPurchases(ctx context.Context, account, eventID string) ([]PurchaseRecord, error) {
	out, err := c.call(ctx, "QueryPurchases", map[string]any{
		"account": account,
		"eventId": eventID,
	})
	if err != nil {
		return nil, err
	}
	items := structList(out, "purchases")
	ps := make([]PurchaseRecord, 0, len(items))
	for _, s := range items {
		p, err := purchaseFromStruct(s)
		if err != nil {
			return nil, fmt.Errorf("QueryPurchases decode: %w", err)
		}
		ps = append(ps, p)
	}
	return ps, nil
}

func (c *GRPCClient) QueryBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	out, err := c.call(ctx, "QueryBalance", map[string]any{"account": account})
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := parseDecimal(out, "balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("QueryBalance decode: %w", err)
	}
	return bal, nil
}

func (c *GRPCClient) EventDetails(ctx context.Context, eventID string) (EventMetadata, error) {
	out, err := c.call(ctx, "GetEvent", map[string]any{"eventId": eventID})
	if err != nil {
		return EventMetadata{}, err
	}
	meta, err := metadataFromStruct(out)
	if err != nil {
		return EventMetadata{}, fmt.Errorf("GetEvent decode: %w", err)
	}
	return meta, nil
}

func (c *GRPCClient) IsAuthorizedOperator(ctx context.Context, operator string) (bool, error) {
	out, err := c.call(ctx, "IsAuthorizedOperator", map[string]any{"operator": operator})
	if err != nil {
		return false, err
	}
	return out.GetFields()["authorized"].GetBoolValue(), nil
}

func (c *GRPCClient) SubmitCheckIn(ctx context.Context, sub CheckInSubmission) (Confirmation, error) {
	out, err := c.call(ctx, "SubmitCheckIn", map[string]any{
		"account":      sub.Account,
		"eventId":      sub.EventID,
		"ticketNumber": strconv.Itoa(sub.TicketNumber),
		"operator":     sub.Operator,
	})
	if err != nil {
		return Confirmation{}, err
	}
	conf, err := confirmationFromStruct(out)
	if err != nil {
		return Confirmation{}, fmt.Errorf("SubmitCheckIn decode: %w", err)
	}
	return conf, nil
}

var subscribeDesc = &grpc.StreamDesc{StreamName: "SubscribeEvents", ServerStreams: true}

func (c *GRPCClient) SubscribeEvents(ctx context.Context) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(ctx, subscribeDesc, method("SubscribeEvents"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SubscribeEvents: %w", mapStatus(err))
	}
	if err := cs.SendMsg(&structpb.Struct{}); err != nil {
		cancel()
		return nil, fmt.Errorf("SubscribeEvents send: %w", mapStatus(err))
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("SubscribeEvents close send: %w", mapStatus(err))
	}
	return &grpcSubscription{stream: cs, cancel: cancel}, nil
}

type grpcSubscription struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Next honours ctx only between messages; the receive itself is bound to
// the context passed to SubscribeEvents.
func (s *grpcSubscription) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, fmt.Errorf("event stream ended: %w", ErrUnavailable)
		}
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, fmt.Errorf("event stream: %w", mapStatus(err))
	}
	ev, err := eventFromStruct(msg)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func (s *grpcSubscription) Close() error {
	s.cancel()
	return nil
}
