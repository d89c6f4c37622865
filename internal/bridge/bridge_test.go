package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperr "github.com/miniapphost/runtime/internal/errors"
)

// allowAll grants everything; denyAll grants nothing.
type allowAll struct{}

func (allowAll) HasPermission(string, string) bool { return true }

type denyAll struct{}

func (denyAll) HasPermission(string, string) bool { return false }

func TestInvokeRoundTrip(t *testing.T) {
	b := New(allowAll{})
	b.RegisterHandler("echo", func(_ context.Context, appID string, params json.RawMessage) (any, error) {
		return map[string]any{"appId": appID, "params": string(params)}, nil
	})
	conn := b.Connect("app")
	defer conn.Close()

	result, err := conn.Invoke(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatal(err)
	}
	if out["appId"] != "app" || out["params"] != `{"x":1}` {
		t.Errorf("unexpected result: %v", out)
	}
}

func TestDeniedCapabilityNeverReachesHandler(t *testing.T) {
	var calls atomic.Int64
	b := New(denyAll{})
	b.RegisterHandler("camera.capture", func(context.Context, string, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	conn := b.Connect("app")
	defer conn.Close()

	_, err := conn.Invoke(context.Background(), "camera.capture", nil)
	if err == nil {
		t.Fatal("denied invocation succeeded")
	}
	if !apperr.HasCode(err, apperr.CodePermissionDenied) {
		t.Errorf("want PERMISSION_DENIED, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("handler was invoked %d times, want 0", calls.Load())
	}
}

func TestMethodNotFound(t *testing.T) {
	b := New(allowAll{})
	conn := b.Connect("app")
	defer conn.Close()

	_, err := conn.Invoke(context.Background(), "no.such.method", nil)
	if !apperr.HasCode(err, apperr.CodeMethodNotFound) {
		t.Errorf("want METHOD_NOT_FOUND, got %v", err)
	}
}

func TestInvalidParams(t *testing.T) {
	b := New(allowAll{})
	b.RegisterHandler("echo", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, nil
	})
	conn := b.Connect("app")
	defer conn.Close()

	_, err := conn.Invoke(context.Background(), "echo", json.RawMessage(`{not json`))
	if !apperr.HasCode(err, apperr.CodeInvalidParams) {
		t.Errorf("want INVALID_PARAMS, got %v", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	b := New(allowAll{}, WithInvokeTimeout(50*time.Millisecond))
	release := make(chan struct{})
	b.RegisterHandler("slow", func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	conn := b.Connect("app")
	defer conn.Close()
	defer close(release)

	start := time.Now()
	_, err := conn.Invoke(context.Background(), "slow", nil)
	if !apperr.HasCode(err, apperr.CodeBridgeTimeout) {
		t.Fatalf("want BRIDGE_TIMEOUT, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout was not enforced promptly")
	}
}

func TestResponsesCorrelateOutOfOrder(t *testing.T) {
	b := New(allowAll{}, WithConcurrency(4))
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var once sync.Once
	b.RegisterHandler("maybe.slow", func(_ context.Context, _ string, params json.RawMessage) (any, error) {
		var req struct {
			Slow bool   `json:"slow"`
			Tag  string `json:"tag"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if req.Slow {
			once.Do(func() { close(firstStarted) })
			<-releaseFirst
		}
		return map[string]string{"tag": req.Tag}, nil
	})
	conn := b.Connect("app")
	defer conn.Close()

	slowDone := make(chan string, 1)
	go func() {
		result, err := conn.Invoke(context.Background(), "maybe.slow", json.RawMessage(`{"slow":true,"tag":"first"}`))
		if err != nil {
			slowDone <- "error: " + err.Error()
			return
		}
		var out map[string]string
		_ = json.Unmarshal(result, &out)
		slowDone <- out["tag"]
	}()

	<-firstStarted

	// The second call completes while the first is still blocked.
	result, err := conn.Invoke(context.Background(), "maybe.slow", json.RawMessage(`{"slow":false,"tag":"second"}`))
	if err != nil {
		t.Fatalf("fast invoke: %v", err)
	}
	var out map[string]string
	_ = json.Unmarshal(result, &out)
	if out["tag"] != "second" {
		t.Errorf("fast call got %q, want second", out["tag"])
	}

	close(releaseFirst)
	if got := <-slowDone; got != "first" {
		t.Errorf("slow call got %q, want first", got)
	}
}

func TestRateLimit(t *testing.T) {
	b := New(allowAll{}, WithRateLimit(1, 1))
	b.RegisterHandler("echo", func(context.Context, string, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	conn := b.Connect("app")
	defer conn.Close()

	if _, err := conn.Invoke(context.Background(), "echo", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := conn.Invoke(context.Background(), "echo", nil)
	if !apperr.HasCode(err, apperr.CodeRateLimited) {
		t.Errorf("want RATE_LIMITED, got %v", err)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New(allowAll{})
	b.RegisterHandler("boom", func(context.Context, string, json.RawMessage) (any, error) {
		panic("handler bug")
	})
	b.RegisterHandler("echo", func(context.Context, string, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	conn := b.Connect("app")
	defer conn.Close()

	if _, err := conn.Invoke(context.Background(), "boom", nil); err == nil {
		t.Fatal("panicking handler reported success")
	}
	// The connection still works afterwards.
	if _, err := conn.Invoke(context.Background(), "echo", nil); err != nil {
		t.Errorf("connection broken after handler panic: %v", err)
	}
}

func TestHandlerErrorKeepsCode(t *testing.T) {
	b := New(allowAll{})
	b.RegisterHandler("denied.net", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, apperr.New(apperr.CodeNetworkAccessDenied, "host not allowed")
	})
	conn := b.Connect("app")
	defer conn.Close()

	_, err := conn.Invoke(context.Background(), "denied.net", nil)
	if !apperr.HasCode(err, apperr.CodeNetworkAccessDenied) {
		t.Errorf("want NETWORK_ACCESS_DENIED, got %v", err)
	}
}

func TestCloseFailsPendingAndFutureCalls(t *testing.T) {
	b := New(allowAll{})
	b.RegisterHandler("echo", func(context.Context, string, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	conn := b.Connect("app")
	conn.Close()
	conn.Close() // idempotent

	_, err := conn.Invoke(context.Background(), "echo", nil)
	if !apperr.HasCode(err, apperr.CodeInstanceTerminated) {
		t.Errorf("want INSTANCE_TERMINATED, got %v", err)
	}
}

func TestPushEvents(t *testing.T) {
	b := New(allowAll{})
	conn := b.Connect("app")
	defer conn.Close()

	conn.Push("theme.changed", json.RawMessage(`{"dark":true}`))
	select {
	case msg := <-conn.Events():
		if msg.Method != "theme.changed" {
			t.Errorf("method = %q", msg.Method)
		}
		if msg.Direction != DirectionRequest {
			t.Errorf("direction = %q", msg.Direction)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
