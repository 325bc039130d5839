package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCService is the fully qualified service name the client calls.
const GRPCService = "gophsync.v1.SyncService"

// GRPCClient implements Remote and EventLog over gRPC. Requests and
// responses are google.protobuf.Struct messages carrying the same JSON
// bodies as the HTTP transport.
type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	tokens      TokenSource
	callTimeout time.Duration
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	if token != "" {
		md.Set(common.AccessTokenHeaderName, token)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	ctx = withAccessToken(ctx, s.tokens.Token())
	return invoker(ctx, method, req, reply, cc, opts...)
}

// NewGRPCClient connects lazily to endpointURL. Extra dial options are
// appended after the defaults, so tests can swap the dialer.
func NewGRPCClient(endpointURL string, tokens TokenSource, opts ...grpc.DialOption) (*GRPCClient, error) {
	if tokens == nil {
		tokens = StaticToken("")
	}
	c := &GRPCClient{endpointURL: endpointURL, tokens: tokens, callTimeout: 30 * time.Second}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(endpointURL, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

func (s *GRPCClient) invoke(ctx context.Context, method string, in any, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, "/"+GRPCService+"/"+method, req, resp); err != nil {
		return s.mapError(err)
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func (s *GRPCClient) ListTables(ctx context.Context) ([]models.Table, error) {
	var out TablesResponse
	if err := s.invoke(ctx, "ListTables", nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

func (s *GRPCClient) BulkExport(ctx context.Context) (*ExportResponse, error) {
	var out ExportResponse
	if err := s.invoke(ctx, "BulkExport", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCClient) FetchTable(ctx context.Context, tableID string) ([]models.RemoteRecord, error) {
	var out RecordsResponse
	if err := s.invoke(ctx, "FetchTable", map[string]any{"tableId": tableID}, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (s *GRPCClient) FetchSince(ctx context.Context, tableID, cursor string) (*SinceResponse, error) {
	var out SinceResponse
	if err := s.invoke(ctx, "FetchSince", map[string]any{"tableId": tableID, "since": cursor}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCClient) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	var out WriteResult
	if err := s.invoke(ctx, "Write", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCClient) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := s.invoke(ctx, "Ping", nil, &out); err != nil {
		return err
	}
	if out.Status != "OK" {
		return ErrUnavailable
	}
	return nil
}

func (s *GRPCClient) ReadEvents(ctx context.Context, cursor string, fromStart bool, limit int) (*EventPage, error) {
	var out EventPage
	in := map[string]any{"cursor": cursor, "fromStart": fromStart, "limit": limit}
	if err := s.invoke(ctx, "ReadEvents", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCClient) Head(ctx context.Context) (string, error) {
	var out HeadResponse
	if err := s.invoke(ctx, "Head", nil, &out); err != nil {
		return "", err
	}
	return out.Cursor, nil
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	case codes.ResourceExhausted:
		return &RateLimitError{RetryAfter: time.Second}
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.AlreadyExists:
		return fmt.Errorf("%w: %s", common.ErrPermanentWrite, st.Message())
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}

// toStruct converts any JSON-encodable value into a Struct message.
func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, out any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
