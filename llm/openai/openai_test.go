package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/llm/driver"
)

func completionServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{
			"model": %q,
			"choices": [{"message": {"content": "#!/bin/bash\necho patched"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
		}`, req.Model)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(driver.Config{
		APIKey:     "test-key",
		Endpoint:   srv.URL + "/v1",
		Model:      "gpt-4o-mini",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := completionServer(t, http.StatusOK)
	c := testClient(t, srv)

	res, err := c.Generate(ctx, &driver.Request{
		Messages: []driver.Message{
			{Role: driver.RoleSystem, Content: "You generate remediation scripts."},
			{Role: driver.RoleUser, Content: "Patch CVE-2024-1111."},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "#!/bin/bash\necho patched" {
		t.Errorf("content: %q", res.Content)
	}
	if res.Model != "gpt-4o-mini" {
		t.Errorf("config model not used: %q", res.Model)
	}
	if res.TokensUsed != 52 || res.FinishReason != "stop" {
		t.Errorf("usage: %+v", res)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	tt := []struct {
		Name   string
		Status int
		Kind   salve.ErrorKind
	}{
		{Name: "RateLimited", Status: http.StatusTooManyRequests, Kind: salve.ErrRateLimit},
		{Name: "ServerError", Status: http.StatusInternalServerError, Kind: salve.ErrTransient},
		{Name: "GatewayTimeout", Status: http.StatusGatewayTimeout, Kind: salve.ErrTimeout},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()
			srv := completionServer(t, tc.Status)
			c := testClient(t, srv)
			_, err := c.Generate(ctx, &driver.Request{
				Messages: []driver.Message{{Role: driver.RoleUser, Content: "hi"}},
			})
			if !salve.IsKind(err, tc.Kind) {
				t.Fatalf("got %v, want kind %v", err, tc.Kind)
			}
		})
	}
}

func TestBadKey(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := completionServer(t, http.StatusOK)
	c, err := New(driver.Config{APIKey: "wrong", Endpoint: srv.URL + "/v1", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Generate(ctx, &driver.Request{
		Messages: []driver.Message{{Role: driver.RoleUser, Content: "hi"}},
	})
	if !salve.IsKind(err, salve.ErrAuthentication) {
		t.Fatalf("got %v, want authentication error", err)
	}
}
