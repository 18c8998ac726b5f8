package speaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "flowhs.speaker.v1.Speaker"
	ExecuteMethod = "/" + ServiceName + "/Execute"

	correlationMetadataKey = "x-correlation-id"
)

type speakerService interface {
	Execute(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(speakerService).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(speakerService).Execute(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*speakerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowhs/speaker/v1/speaker.proto",
}

// Server exposes a SwitchAgent over gRPC.
type Server struct {
	agent *SwitchAgent
	log   logging.Logger
}

// NewServer wraps agent.
func NewServer(agent *SwitchAgent, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{agent: agent, log: log}
}

// Register attaches the speaker service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// Execute decodes one command, runs it on the agent and encodes the response.
func (s *Server) Execute(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	cmd, env, err := decodeCommand(in.GetValue())
	if err != nil {
		return nil, ToStatusError(err)
	}
	if env.CorrelationID != "" && logging.CorrelationIDFromContext(ctx) == "" {
		ctx = logging.ContextWithCorrelationID(ctx, env.CorrelationID)
	}

	resp, err := s.agent.Handle(ctx, cmd)
	if err != nil {
		log := logging.LoggerFromContext(ctx)
		if log == nil {
			log = s.log
		}
		log.Warn(ctx, "speaker command failed",
			logging.String("command", string(cmd.Type())),
			logging.String("command_id", cmd.CommandHeader().CommandID.String()),
			logging.Time("sent_at", env.SentAt.AsTime()),
			logging.Err(err),
		)
		return nil, ToStatusError(err)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(out), nil
}

// CorrelationUnaryServerInterceptor copies the correlation id from inbound
// metadata onto the context and attaches a per-call logger.
func CorrelationUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(correlationMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithCorrelationID(ctx, vals[0])
			}
		}
		ctx, _ = logging.EnsureCorrelationID(ctx)
		ctx = logging.ContextWithLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		return handler(ctx, req)
	}
}

// NewGRPCServer returns a gRPC server instrumented with OpenTelemetry.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	return grpc.NewServer(opts...)
}

// Client sends commands to a speaker server.
type Client struct {
	conn    grpc.ClientConnInterface
	log     logging.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewClient wraps conn. A positive timeout bounds every call.
func NewClient(conn grpc.ClientConnInterface, log logging.Logger, timeout time.Duration) *Client {
	if log == nil {
		log = logging.Noop()
	}
	return &Client{conn: conn, log: log, timeout: timeout, now: time.Now}
}

// Dial opens an instrumented plaintext connection to target.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial speaker %s: %w", target, err)
	}
	return conn, nil
}

// Execute sends cmd tagged with the correlation key and waits for its
// response. Transport and agent errors come back as failed responses.
func (c *Client) Execute(ctx context.Context, key string, cmd Command) Response {
	data, err := encodeCommand(cmd, key, c.now())
	if err != nil {
		return FailureFor(cmd, ErrorBadRequest, err.Error())
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, correlationMetadataKey, key)
	}

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, ExecuteMethod, wrapperspb.Bytes(data), out); err != nil {
		msg := err.Error()
		if st, ok := status.FromError(err); ok {
			msg = st.Message()
		}
		c.log.Debug(ctx, "speaker call failed",
			logging.String("key", key),
			logging.String("command", string(cmd.Type())),
			logging.Err(err),
		)
		return FailureFor(cmd, ErrorCodeOf(err), msg)
	}

	var resp Response
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return FailureFor(cmd, ErrorInternal, fmt.Sprintf("decode response: %v", err))
	}
	return resp
}
