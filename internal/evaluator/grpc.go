// Package evaluator talks to the external scoring model over gRPC. Requests
// and responses are structpb.Struct messages so the model service can evolve
// its fields without regenerating stubs here.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashureev/livepanel/internal/scoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// EvaluateMethod is the full gRPC method name of the evaluator.
const EvaluateMethod = "/livepanel.evaluator.v1.Evaluator/Evaluate"

// ErrUnavailable is returned when no evaluator is configured.
var ErrUnavailable = errors.New("evaluator unavailable")

// Config holds the client settings.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns the client defaults for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   10 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcEvaluator implements scoring.Evaluator against a remote model service.
type GrpcEvaluator struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// Dial connects to the evaluator and waits until its health check serves.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig(cfg.Address).ConnectTimeout
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create evaluator client for %s: %w", cfg.Address, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForHealth(waitCtx, conn, logger); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close evaluator connection after health failure", "error", closeErr)
		}
		return nil, fmt.Errorf("evaluator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to scoring evaluator", "address", cfg.Address)
	return &GrpcEvaluator{conn: conn, addr: cfg.Address, logger: logger}, nil
}

// waitForHealth polls the standard health service until it reports SERVING.
func waitForHealth(ctx context.Context, conn *grpc.ClientConn, logger *slog.Logger) error {
	client := healthpb.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{})
		cancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		if err != nil {
			logger.Debug("Waiting for evaluator health", "error", err)
		} else {
			logger.Debug("Waiting for evaluator health", "status", resp.GetStatus().String())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for evaluator health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Second)
	}
}

// Evaluate scores one dimension.
func (e *GrpcEvaluator) Evaluate(ctx context.Context, req scoring.Request) (scoring.Evaluation, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return scoring.Evaluation{}, err
	}
	out := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, EvaluateMethod, in, out); err != nil {
		return scoring.Evaluation{}, fmt.Errorf("evaluate %s: %w", req.Dimension.Name, err)
	}
	return decodeEvaluation(out)
}

// Ping checks the evaluator health service once.
func (e *GrpcEvaluator) Ping(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(e.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("evaluator health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("evaluator health status %s", resp.GetStatus())
	}
	return nil
}

// Close closes the connection.
func (e *GrpcEvaluator) Close() {
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		e.logger.Warn("failed to close evaluator connection", "error", err)
	}
}

func encodeRequest(req scoring.Request) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"session_id":   req.SessionID,
		"round_number": req.RoundNumber,
		"round_type":   string(req.RoundType),
		"track":        req.Track,
		"dimension":    req.Dimension.Name,
		"criteria":     req.Dimension.Criteria,
		"max_points":   req.Dimension.MaxPoints,
		"content":      req.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("encode evaluator request: %w", err)
	}
	return in, nil
}

// decodeEvaluation reads {score, confidence, reasoning, evidence[]}. Missing
// evidence decodes as an empty list, which gates the score to zero.
func decodeEvaluation(out *structpb.Struct) (scoring.Evaluation, error) {
	fields := out.GetFields()
	scoreVal, ok := fields["score"]
	if !ok {
		return scoring.Evaluation{}, errors.New("evaluator response has no score")
	}
	score := scoreVal.GetNumberValue()
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return scoring.Evaluation{}, fmt.Errorf("evaluator returned invalid score %v", score)
	}
	eval := scoring.Evaluation{
		Score:      score,
		Confidence: fields["confidence"].GetNumberValue(),
		Reasoning:  fields["reasoning"].GetStringValue(),
		Evidence:   []string{},
	}
	for _, v := range fields["evidence"].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			eval.Evidence = append(eval.Evidence, s)
		}
	}
	return eval, nil
}

// Unavailable stands in when the evaluator cannot be reached. Every call
// fails, so rounds are scored as degraded instead of silently passing.
type Unavailable struct{}

// Evaluate implements scoring.Evaluator.
func (Unavailable) Evaluate(context.Context, scoring.Request) (scoring.Evaluation, error) {
	return scoring.Evaluation{}, ErrUnavailable
}
