package responder

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/stream"
)

// GenerateMethod is the full name of the server-streaming method the remote
// responder calls. Requests and responses are google.protobuf.Struct.
const GenerateMethod = "/voiceagent.responder.v1.Responder/Generate"

var generateDesc = &grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// RemoteChunk is one decoded response message.
type RemoteChunk struct {
	TextChunk string
	IsDone    bool
	Error     *RemoteError
}

// RemoteError is an error reported in-band by the remote service.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Remote generates replies through a gRPC service that owns the dialogue
// policy.
type Remote struct {
	config  *config.Config
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// NewRemote creates a remote responder. The connection is established
// lazily by gRPC.
func NewRemote(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*Remote, error) {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(
			"remote_responder",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		)
	}
	r := &Remote{
		config:  cfg,
		breaker: breaker,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "responder").Str("provider", "remote").Logger(),
	}
	if err := r.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to responder: %w", err)
	}
	return r, nil
}

func (r *Remote) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	var opts []grpc.DialOption
	if r.config.ResponderTLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(r.config.ResponderURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", r.config.ResponderURL, err)
	}
	r.conn = conn
	r.logger.Info().Str("url", r.config.ResponderURL).Msg("Responder client created")
	return nil
}

// Generate opens the server stream and relays text chunks until the service
// reports completion.
func (r *Remote) Generate(ctx context.Context, prompt Prompt) (*stream.Stream[string], error) {
	req, err := encodePrompt(prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponderFailure, err)
	}

	// The call outlives Generate, so it is bound to the stream's lifetime.
	rpcCtx, rpcCancel := context.WithCancel(ctx)

	var cs grpc.ClientStream
	err = resilience.Retry(rpcCtx, func(ctx context.Context) error {
		return r.breaker.Execute(ctx, func(ctx context.Context) error {
			r.mu.RLock()
			conn := r.conn
			r.mu.RUnlock()
			if conn == nil {
				return errors.New("responder client is closed")
			}

			s, callErr := conn.NewStream(ctx, generateDesc, GenerateMethod)
			if callErr != nil {
				return callErr
			}
			if callErr = s.SendMsg(req); callErr != nil {
				return callErr
			}
			if callErr = s.CloseSend(); callErr != nil {
				return callErr
			}
			cs = s
			return nil
		})
	}, r.retry, isRetryableStatus)
	if err != nil {
		rpcCancel()
		return nil, fmt.Errorf("%w: %w", ErrResponderFailure, err)
	}

	return stream.Start(ctx, 8, func(ctx context.Context, emit func(string) error) error {
		stop := context.AfterFunc(ctx, rpcCancel)
		defer stop()
		defer rpcCancel()

		for {
			msg := &structpb.Struct{}
			if err := cs.RecvMsg(msg); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.breaker.RecordResult(false)
				r.logger.Error().Err(err).Msg("Responder stream failed")
				return fmt.Errorf("%w: %w", ErrResponderFailure, err)
			}

			chunk := decodeChunk(msg)
			if chunk.Error != nil {
				r.logger.Error().Str("code", chunk.Error.Code).Str("message", chunk.Error.Message).Msg("Responder reported an error")
				return fmt.Errorf("%w: %w", ErrResponderFailure, chunk.Error)
			}
			if chunk.TextChunk != "" {
				if err := emit(chunk.TextChunk); err != nil {
					return err
				}
			}
			if chunk.IsDone {
				return nil
			}
		}
	}), nil
}

// HealthCheck reports whether the connection is usable.
func (r *Remote) HealthCheck(ctx context.Context) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return false, errors.New("responder client is not connected")
	}
	if r.breaker.State() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Close closes the gRPC connection
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		err := r.conn.Close()
		r.conn = nil
		return err
	}
	return nil
}

func encodePrompt(prompt Prompt) (*structpb.Struct, error) {
	history := make([]any, 0, len(prompt.History))
	for _, u := range prompt.History {
		history = append(history, map[string]any{
			"role": u.Speaker.String(),
			"text": u.Text,
		})
	}
	return structpb.NewStruct(map[string]any{
		"system":      prompt.System,
		"instruction": prompt.Instruction,
		"history":     history,
	})
}

func decodeChunk(msg *structpb.Struct) RemoteChunk {
	fields := msg.GetFields()
	chunk := RemoteChunk{
		TextChunk: fields["text_chunk"].GetStringValue(),
		IsDone:    fields["is_done"].GetBoolValue(),
	}
	if e := fields["error"].GetStructValue(); e != nil {
		chunk.Error = &RemoteError{
			Code:    e.GetFields()["code"].GetStringValue(),
			Message: e.GetFields()["message"].GetStringValue(),
		}
	}
	return chunk
}

// isRetryableStatus retries transient gRPC failures before any chunk was
// received.
func isRetryableStatus(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	case codes.Unknown:
		return resilience.IsRetryableNetworkError(err)
	default:
		return false
	}
}
