// Package httputil holds the request and response plumbing shared by the
// client components.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dragonfly-scan/dragonfly"
)

// UserAgent is sent with every request.
var UserAgent = `dragonfly/` + dragonfly.Version

// CheckResponse takes an http.Response and a variadic of ints representing
// acceptable http status codes. The error returned will attempt to include
// some content from the server's response.
//
// 401 and 403 are reported as [dragonfly.ErrAuthorization], everything else
// as [dragonfly.ErrNetwork].
func CheckResponse(op string, resp *http.Response, acceptableCodes ...int) error {
	for _, code := range acceptableCodes {
		if resp.StatusCode == code {
			return nil
		}
	}
	kind := dragonfly.ErrNetwork
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = dragonfly.ErrAuthorization
	}
	err := &dragonfly.Error{
		Op:      op,
		Kind:    kind,
		Message: "unexpected status code: " + resp.Status,
	}
	if resp.Request != nil {
		err.URL = resp.Request.URL.Redacted()
	}
	limitBody, rerr := io.ReadAll(io.LimitReader(resp.Body, 256))
	if rerr == nil && len(limitBody) != 0 {
		err.Message = fmt.Sprintf("%s (body starts: %q)", err.Message, limitBody)
	}
	return err
}

// CheckSuccess is [CheckResponse] accepting any 2xx status.
func CheckSuccess(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return CheckResponse(op, resp)
}

// NewRequest builds a request with the common headers set. If "body" is
// non-nil it's encoded as JSON. If "token" is non-empty it's sent as a bearer
// credential.
func NewRequest(ctx context.Context, method, url, token string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("httputil: encode body: %w", err)
		}
		rd = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// NetworkError wraps a transport failure.
func NetworkError(op string, err error) error {
	return &dragonfly.Error{
		Op:      op,
		Kind:    dragonfly.ErrNetwork,
		Message: "request failed",
		Inner:   err,
	}
}

// DecodeJSON decodes the response body into "v", reporting failures as
// [dragonfly.ErrNetwork].
func DecodeJSON(op string, resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &dragonfly.Error{
			Op:      op,
			Kind:    dragonfly.ErrNetwork,
			Message: "malformed response body",
			Inner:   err,
		}
	}
	return nil
}
