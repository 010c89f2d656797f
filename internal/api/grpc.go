package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/engine"
)

// TradingServiceName is the fully-qualified gRPC service name.
const TradingServiceName = "tradegate.v1.Trading"

// TradingServer is the gRPC surface of the engine. Messages are JSON-shaped
// structpb.Struct values carrying the same fields as the REST API.
type TradingServer interface {
	SubmitTradeSignal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrderStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPolicies(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RollbackPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// TradingService implements TradingServer on top of the engine.
type TradingService struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewTradingService creates a TradingService backed by the given engine.
func NewTradingService(eng *engine.Engine, log *slog.Logger) *TradingService {
	return &TradingService{engine: eng, log: log}
}

type orderRef struct {
	OrderID string `json:"orderId"`
}

type policyQuery struct {
	All bool `json:"all"`
}

type policyRollback struct {
	PolicyID string `json:"policyId"`
	Version  int64  `json:"version"`
	ActorID  string `json:"actorId"`
}

func (s *TradingService) SubmitTradeSignal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var sig domain.TradeSignal
	if err := fromStruct(in, &sig); err != nil {
		return nil, err
	}
	res, err := s.engine.SubmitTradeSignal(ctx, sig)
	if err != nil {
		return nil, s.status(err)
	}
	return toStruct(res)
}

func (s *TradingService) GetOrderStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref orderRef
	if err := fromStruct(in, &ref); err != nil {
		return nil, err
	}
	o, err := s.engine.GetOrderStatus(ctx, ref.OrderID)
	if err != nil {
		return nil, s.status(err)
	}
	return toStruct(o)
}

func (s *TradingService) CancelOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref orderRef
	if err := fromStruct(in, &ref); err != nil {
		return nil, err
	}
	o, err := s.engine.CancelOrder(ctx, ref.OrderID)
	if err != nil {
		return nil, s.status(err)
	}
	return toStruct(o)
}

func (s *TradingService) GetPolicies(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var q policyQuery
	if err := fromStruct(in, &q); err != nil {
		return nil, err
	}
	policies := s.engine.GetPolicies(ctx)
	if q.All {
		policies = s.engine.AllPolicies(ctx)
	}
	return toStruct(map[string]any{"policies": policies})
}

func (s *TradingService) RollbackPolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req policyRollback
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Version < 1 || req.ActorID == "" {
		return nil, status.Error(codes.InvalidArgument, "version and actorId are required")
	}
	p, err := s.engine.RollbackPolicy(ctx, req.PolicyID, req.Version, req.ActorID)
	if err != nil {
		return nil, s.status(err)
	}
	return toStruct(p)
}

// status converts an engine error to a gRPC status. Policy blocks carry the
// assessment as a status detail.
func (s *TradingService) status(err error) error {
	code := domain.ErrorCode(err)
	st := status.New(grpcCode(code), err.Error())

	var block *domain.PolicyBlockError
	if errors.As(err, &block) && block.Assessment != nil {
		if detail, derr := toStruct(block.Assessment); derr == nil {
			if withDetail, werr := st.WithDetails(detail); werr == nil {
				st = withDetail
			}
		}
	}
	if st.Code() == codes.Internal {
		s.log.Error("rpc failed", "code", code, "error", err)
	}
	return st.Err()
}

func grpcCode(code string) codes.Code {
	switch code {
	case domain.CodeValidation:
		return codes.InvalidArgument
	case domain.CodePolicyBlock, domain.CodeOrderTerminal, domain.CodeOrderNotCancellable:
		return codes.FailedPrecondition
	case domain.CodeDuplicateInFlight:
		return codes.AlreadyExists
	case domain.CodeNoBrokerAvailable, domain.CodeTransientBroker:
		return codes.Unavailable
	case domain.CodeOrderNotFound, domain.CodePolicyNotFound, domain.CodePolicyVersionNotFound:
		return codes.NotFound
	case domain.CodeBrokerRejected:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

type tradingCall func(TradingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call tradingCall) grpc.MethodDesc {
	fullMethod := fmt.Sprintf("/%s/%s", TradingServiceName, name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TradingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TradingServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var tradingServiceDesc = grpc.ServiceDesc{
	ServiceName: TradingServiceName,
	HandlerType: (*TradingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitTradeSignal", TradingServer.SubmitTradeSignal),
		unary("GetOrderStatus", TradingServer.GetOrderStatus),
		unary("CancelOrder", TradingServer.CancelOrder),
		unary("GetPolicies", TradingServer.GetPolicies),
		unary("RollbackPolicy", TradingServer.RollbackPolicy),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tradegate/v1/trading.proto",
}

func registerTrading(gs *grpc.Server, eng *engine.Engine, log *slog.Logger) {
	gs.RegisterService(&tradingServiceDesc, NewTradingService(eng, log))
}

// VenueHealthService names the per-venue entry in the gRPC health service.
func VenueHealthService(venue string) string {
	return "tradegate.broker." + venue
}

// registerHealth exposes overall liveness plus one entry per venue that
// follows the health checker.
func registerHealth(gs *grpc.Server, hs *health.Server, hc *broker.HealthChecker) {
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(TradingServiceName, healthpb.HealthCheckResponse_SERVING)

	set := func(h broker.Health) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if h.Usable() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(VenueHealthService(h.Venue), st)
	}
	for _, h := range hc.Snapshot() {
		set(h)
	}
	hc.OnChange(set)
}
