package wazuh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/scanner/driver"
)

func mockServer(t *testing.T, authCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/security/user/authenticate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "wazuh" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if authCalls != nil {
			authCalls.Add(1)
		}
		w.Write([]byte(`{"data":{"token":"jwt-token"}}`))
	})
	bearer := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer jwt-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		if !bearer(w, r) {
			return
		}
		w.Write([]byte(`{"data":{"affected_items":[
			{"id":"001","name":"web-1","ip":"10.0.0.5","os":{"platform":"ubuntu","version":"22.04"}}
		],"total_affected_items":1}}`))
	})
	mux.HandleFunc("/vulnerability/001", func(w http.ResponseWriter, r *http.Request) {
		if !bearer(w, r) {
			return
		}
		w.Write([]byte(`{"data":{"affected_items":[
			{"cve":"CVE-2024-0001","title":"OpenSSL DoS","name":"openssl","version":"3.0.2-0ubuntu1.12","severity":"High","published":"2024-01-09"},
			{"cve":"CVE-2023-9999","title":"Minor issue","name":"pkg:deb/ubuntu/curl@7.81.0-1ubuntu1.15","severity":"Low","published":"2023-06-01"}
		],"total_affected_items":2}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func configured(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a := &Adapter{name: "wazuh-test"}
	err := a.Configure(context.Background(), func(v interface{}) error {
		cfg := v.(*Config)
		cfg.Endpoint = &srv.URL
		user, pass := "wazuh", "secret"
		cfg.Username, cfg.Password = &user, &pass
		return nil
	}, srv.Client())
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	return a
}

func TestFetchFindings(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	a := configured(t, mockServer(t, nil))

	got, err := a.FetchFindings(ctx, driver.FetchOpts{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d findings, want 2", len(got))
	}
	if got[0].Package != "openssl" || got[0].VulnerableVersion != "3.0.2-0ubuntu1.12" {
		t.Errorf("unexpected package data: %+v", got[0])
	}
	// purl references are normalized to plain name and version.
	if got[1].Package != "curl" || got[1].VulnerableVersion != "7.81.0-1ubuntu1.15" {
		t.Errorf("purl not normalized: %+v", got[1])
	}
	if got[0].Severity != salve.High {
		t.Errorf("got severity %v, want high", got[0].Severity)
	}
}

func TestTokenReuse(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	var authCalls atomic.Int32
	a := configured(t, mockServer(t, &authCalls))

	for i := 0; i < 3; i++ {
		if _, err := a.FetchFindings(ctx, driver.FetchOpts{}); err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
	}
	if got := authCalls.Load(); got != 1 {
		t.Errorf("got %d authentications, want 1 (token should be reused)", got)
	}
}

func TestAssetDetails(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	a := configured(t, mockServer(t, nil))

	asset, err := a.AssetDetails(ctx, "001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asset.OSFamily != "ubuntu" || asset.OSVersion != "22.04" {
		t.Errorf("unexpected asset: %+v", asset)
	}
}

func TestBadCredentials(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := mockServer(t, nil)
	a := &Adapter{name: "wazuh-test"}
	err := a.Configure(context.Background(), func(v interface{}) error {
		cfg := v.(*Config)
		cfg.Endpoint = &srv.URL
		user, pass := "wazuh", "wrong"
		cfg.Username, cfg.Password = &user, &pass
		return nil
	}, srv.Client())
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := a.Authenticate(ctx); !salve.IsKind(err, salve.ErrAuthentication) {
		t.Errorf("got %v, want authentication kind", err)
	}
}
