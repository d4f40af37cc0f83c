package httputil

import (
	"fmt"
	"io"
	"net/http"

	"github.com/salvus/salve"
)

// CheckResponse takes a http.Response and a variadic of ints representing
// acceptable http status codes. The error returned will attempt to include
// some content from the server's response.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	acceptable := false
	for _, code := range acceptableCodes {
		if resp.StatusCode == code {
			acceptable = true
			break
		}
	}
	if !acceptable {
		limitBody, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err == nil {
			return fmt.Errorf("unexpected status code: %s (body starts: %q)", resp.Status, limitBody)
		}
		return fmt.Errorf("unexpected status code: %s", resp.Status)
	}
	return nil
}

// Classify maps an unexpected HTTP status onto the salve error taxonomy so
// callers can drive retry and isolation decisions with [errors.Is].
//
// A nil return means the status was 2xx.
func Classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var kind salve.ErrorKind
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = salve.ErrAuthentication
	case resp.StatusCode == http.StatusNotFound:
		kind = salve.ErrNotFound
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		kind = salve.ErrTimeout
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = salve.ErrRateLimit
	case resp.StatusCode >= 500:
		kind = salve.ErrTransient
	default:
		kind = salve.ErrFetch
	}
	return &salve.Error{
		Op:    op,
		Kind:  kind,
		Inner: CheckResponse(resp, http.StatusOK),
	}
}
