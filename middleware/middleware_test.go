package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"scriptbridge/message"
)

// echoHandler answers with the request text.
func echoHandler(ctx context.Context, req *message.RPCMessage) *message.Response {
	return &message.Response{CorrelationID: req.CorrelationID, Text: message.Value(req.Text)}
}

// slowHandler sleeps 50ms before answering.
func slowHandler(ctx context.Context, req *message.RPCMessage) *message.Response {
	time.Sleep(50 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failWith(id uint32, err error) *message.Response {
	return &message.Response{CorrelationID: id, Text: err.Error(), Failed: true}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	req := &message.RPCMessage{Type: message.TypeRun, CorrelationID: 3, Text: message.String("ok")}
	resp := handler(context.Background(), req)

	if resp == nil || resp.Text != "ok" {
		t.Fatalf("expect text 'ok', got %+v", resp)
	}
	if logs.FilterMessage("request handled").Len() != 1 {
		t.Fatalf("expect one debug entry, got %v", logs.All())
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(func(ctx context.Context, req *message.RPCMessage) *message.Response {
		return &message.Response{CorrelationID: req.CorrelationID, Text: "Traceback", Failed: true}
	})

	handler(context.Background(), &message.RPCMessage{Type: message.TypeCallFunction, ModuleName: message.String("m")})
	if logs.FilterMessage("request failed").Len() != 1 {
		t.Fatalf("expect one warning, got %v", logs.All())
	}
}

func TestSlowRequestWarnsWithoutCancelling(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	handler := SlowRequestMiddleware(10*time.Millisecond, zap.New(core))(slowHandler)

	resp := handler(context.Background(), &message.RPCMessage{CorrelationID: 1, Text: message.String("done")})
	if resp.Failed || resp.Text != "done" {
		t.Fatalf("slow request should still complete, got %+v", resp)
	}
	if logs.FilterMessage("slow request").Len() != 1 {
		t.Fatalf("expect one slow request warning, got %v", logs.All())
	}
}

func TestSlowRequestQuiet(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	handler := SlowRequestMiddleware(time.Second, zap.New(core))(echoHandler)
	handler(context.Background(), &message.RPCMessage{})
	if logs.Len() != 0 {
		t.Fatalf("expect no warnings, got %v", logs.All())
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2, failWith)(echoHandler)
	req := &message.RPCMessage{CorrelationID: 5}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Failed {
			t.Fatalf("request %d should pass, got: %s", i, resp.Text)
		}
	}

	resp := handler(context.Background(), req)
	if !resp.Failed || resp.Text != "rate limit exceeded" || resp.CorrelationID != 5 {
		t.Fatalf("request 3 should be rate limited, got: %+v", resp)
	}
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(tag("outer"), LoggingMiddleware(zap.NewNop()), tag("inner"))(echoHandler)
	resp := handler(context.Background(), &message.RPCMessage{Text: message.String("x")})

	if resp.Text != "x" {
		t.Fatalf("expect 'x', got %q", resp.Text)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
