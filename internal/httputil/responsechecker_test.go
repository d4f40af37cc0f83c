package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/salvus/salve"
)

var respBody = `Sorry this resource isn't available at the moment, please try again later when the resource might be available`

func TestLimitedReadResponse(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(respBody))
	}))
	defer svr.Close()

	cl := svr.Client()
	res, err := cl.Get(svr.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = CheckResponse(res, http.StatusOK)
	if err == nil {
		t.Fatal("expected an error")
	}
	if err.Error() != "unexpected status code: 404 Not Found (body starts: \"Sorry this resource isn't available at the moment, please try again later when the resource might be available\")" {
		t.Errorf("expected different error message but got: %s", err.Error())
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tt := []struct {
		Status int
		Kind   salve.ErrorKind
	}{
		{http.StatusUnauthorized, salve.ErrAuthentication},
		{http.StatusForbidden, salve.ErrAuthentication},
		{http.StatusNotFound, salve.ErrNotFound},
		{http.StatusTooManyRequests, salve.ErrRateLimit},
		{http.StatusGatewayTimeout, salve.ErrTimeout},
		{http.StatusInternalServerError, salve.ErrTransient},
		{http.StatusBadRequest, salve.ErrFetch},
	}
	for _, tc := range tt {
		t.Run(http.StatusText(tc.Status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.Status)
			}))
			t.Cleanup(srv.Close)
			res, err := srv.Client().Get(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer res.Body.Close()
			err = Classify("test", res)
			if !errors.Is(err, tc.Kind) {
				t.Errorf("got: %v, want kind: %v", err, tc.Kind)
			}
		})
	}
}

func TestClassifyOK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)
	res, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if err := Classify("test", res); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
