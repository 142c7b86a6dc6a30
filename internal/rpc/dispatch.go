package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var rpcRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rpc_requests_total",
		Help: "Total number of JSON-RPC requests by method and outcome.",
	},
	[]string{"method", "outcome"},
)

func init() {
	prometheus.MustRegister(rpcRequestsTotal)
}

// Dispatcher parses inbound frames, resolves the method through the
// registry, and produces response frames. Method-level failures always yield
// an error response with the original id; they never affect the connection.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over a fully-built registry.
func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch handles one inbound frame, single or batch, and returns the
// encoded response. Returns nil when no response is owed: the frame was a
// notification, or a batch made up entirely of notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, sess Session, frame []byte) []byte {
	if !json.Valid(frame) {
		rpcRequestsTotal.WithLabelValues("", "parse_error").Inc()
		return mustMarshalError(nil, NewError(CodeParseError, "parse error"))
	}
	if isBatch(frame) {
		return d.dispatchBatch(ctx, sess, frame)
	}
	return d.dispatchSingle(ctx, sess, frame)
}

// isBatch reports whether a valid frame is a JSON array.
func isBatch(frame []byte) bool {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// dispatchBatch runs every batch element independently and answers with the
// array of their responses, omitting entries for notifications. An empty
// batch is an invalid request.
func (d *Dispatcher) dispatchBatch(ctx context.Context, sess Session, frame []byte) []byte {
	var elems []json.RawMessage
	if err := json.Unmarshal(frame, &elems); err != nil || len(elems) == 0 {
		rpcRequestsTotal.WithLabelValues("", "invalid_request").Inc()
		return mustMarshalError(nil, NewError(CodeInvalidRequest, "invalid request"))
	}

	responses := make([]json.RawMessage, 0, len(elems))
	for _, elem := range elems {
		if resp := d.dispatchSingle(ctx, sess, elem); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	out, err := json.Marshal(responses)
	if err != nil {
		// Elements are already encoded JSON.
		panic(err)
	}
	return out
}

func (d *Dispatcher) dispatchSingle(ctx context.Context, sess Session, frame []byte) []byte {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		// Valid JSON that is not a request object (e.g. a scalar, or an
		// array nested inside a batch).
		rpcRequestsTotal.WithLabelValues("", "invalid_request").Inc()
		return mustMarshalError(nil, NewError(CodeInvalidRequest, "invalid request"))
	}

	if req.JSONRPC != Version || req.Method == "" {
		rpcRequestsTotal.WithLabelValues(req.Method, "invalid_request").Inc()
		return mustMarshalError(req.ID, NewError(CodeInvalidRequest, "invalid request"))
	}

	handler, ok := d.registry.Lookup(req.Method)
	if !ok {
		rpcRequestsTotal.WithLabelValues(req.Method, "method_not_found").Inc()
		if !req.HasID() {
			return nil
		}
		return mustMarshalError(req.ID, NewError(CodeMethodNotFound, "method not found"))
	}

	result, err := d.invoke(ctx, sess, handler, req.Params)

	if !req.HasID() {
		// JSON-RPC notification: the handler ran, nothing goes back.
		rpcRequestsTotal.WithLabelValues(req.Method, "notification").Inc()
		return nil
	}

	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			outcome := "application_error"
			if rpcErr.Code == CodeInternalError {
				outcome = "internal_error"
			}
			rpcRequestsTotal.WithLabelValues(req.Method, outcome).Inc()
			return mustMarshalError(req.ID, rpcErr)
		}
		// Unexpected fault: log the detail, suppress it on the wire.
		d.logger.Error("handler failed",
			zap.String("method", req.Method),
			zap.String("session_id", sessionID(sess)),
			zap.Error(err),
		)
		rpcRequestsTotal.WithLabelValues(req.Method, "internal_error").Inc()
		return mustMarshalError(req.ID, NewError(CodeInternalError, "internal error"))
	}

	out, err := MarshalResponse(req.ID, result)
	if err != nil {
		d.logger.Error("response marshal failed",
			zap.String("method", req.Method),
			zap.Error(err),
		)
		rpcRequestsTotal.WithLabelValues(req.Method, "internal_error").Inc()
		return mustMarshalError(req.ID, NewError(CodeInternalError, "internal error"))
	}
	rpcRequestsTotal.WithLabelValues(req.Method, "ok").Inc()
	return out
}

// invoke calls the handler with a panic barrier. A panicking handler must
// not take down the connection loop it runs on.
func (d *Dispatcher) invoke(ctx context.Context, sess Session, handler Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("handler panicked",
				zap.String("session_id", sessionID(sess)),
				zap.Any("panic", rec),
			)
			result = nil
			err = NewError(CodeInternalError, "internal error")
		}
	}()
	return handler(ctx, sess, params)
}

func sessionID(sess Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID()
}

// mustMarshalError encodes an error response. The error type marshals from
// plain structs, so failure here is a programming error.
func mustMarshalError(id json.RawMessage, rpcErr *Error) []byte {
	out, err := MarshalError(id, rpcErr)
	if err != nil {
		panic(err)
	}
	return out
}
