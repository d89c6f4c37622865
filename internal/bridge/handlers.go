package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	apperr "github.com/miniapphost/runtime/internal/errors"
)

// NewNetworkFetchHandler returns the handler behind the "network.fetch"
// capability. The sandbox has already enforced the manifest allow-list by
// the time a request reaches it.
func NewNetworkFetchHandler(client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ctx context.Context, _ string, params json.RawMessage) (any, error) {
		url := gjson.GetBytes(params, "url").String()
		if url == "" {
			return nil, apperr.New(apperr.CodeInvalidParams, "network.fetch requires a url")
		}
		method := strings.ToUpper(gjson.GetBytes(params, "options.method").String())
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if b := gjson.GetBytes(params, "options.body"); b.Exists() {
			body = strings.NewReader(b.String())
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidParams, "build request", err)
		}
		gjson.GetBytes(params, "options.headers").ForEach(func(key, value gjson.Result) bool {
			req.Header.Set(key.String(), value.String())
			return true
		})

		resp, err := client.Do(req)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "fetch failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "read response", err)
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		return map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    string(data),
		}, nil
	}
}

// AppStorage is the in-memory key-value store behind the "storage.*"
// capabilities. Keys are namespaced per app; one mini-app can never read
// another's data.
type AppStorage struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewAppStorage creates an empty store.
func NewAppStorage() *AppStorage {
	return &AppStorage{data: make(map[string]map[string]string)}
}

// GetHandler serves "storage.get".
func (s *AppStorage) GetHandler() Handler {
	return func(_ context.Context, appID string, params json.RawMessage) (any, error) {
		key := gjson.GetBytes(params, "key").String()
		if key == "" {
			return nil, apperr.New(apperr.CodeInvalidParams, "storage.get requires a key")
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		value, ok := s.data[appID][key]
		return map[string]any{"value": value, "found": ok}, nil
	}
}

// SetHandler serves "storage.set".
func (s *AppStorage) SetHandler() Handler {
	return func(_ context.Context, appID string, params json.RawMessage) (any, error) {
		key := gjson.GetBytes(params, "key").String()
		if key == "" {
			return nil, apperr.New(apperr.CodeInvalidParams, "storage.set requires a key")
		}
		value := gjson.GetBytes(params, "value").String()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.data[appID] == nil {
			s.data[appID] = make(map[string]string)
		}
		s.data[appID][key] = value
		return map[string]any{"ok": true}, nil
	}
}

// DeleteHandler serves "storage.delete".
func (s *AppStorage) DeleteHandler() Handler {
	return func(_ context.Context, appID string, params json.RawMessage) (any, error) {
		key := gjson.GetBytes(params, "key").String()
		if key == "" {
			return nil, apperr.New(apperr.CodeInvalidParams, "storage.delete requires a key")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.data[appID], key)
		return map[string]any{"ok": true}, nil
	}
}

// Drop discards everything stored by an app.
func (s *AppStorage) Drop(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, appID)
}

// ClockNowHandler serves "clock.now" with the host's UTC time.
func ClockNowHandler(_ context.Context, _ string, _ json.RawMessage) (any, error) {
	return map[string]any{"now": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}
