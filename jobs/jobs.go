// Package jobs talks to the job endpoints of the dragonfly server: claiming
// work and reporting outcomes.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/auth"
	"github.com/dragonfly-scan/dragonfly/internal/httputil"
)

// Client is a job gateway. It's safe for concurrent use.
//
// No method retries; a rejected credential is reported as
// [dragonfly.ErrAuthorization] and left for the caller to handle.
type Client struct {
	c    *http.Client
	base *url.URL
}

// NewClient returns a Client for the server rooted at "base".
func NewClient(c *http.Client, base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, &dragonfly.Error{
			Op:      "jobs.NewClient",
			Kind:    dragonfly.ErrInvalid,
			Message: "bad base url",
			Inner:   err,
		}
	}
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{c: c, base: u}, nil
}

// PollResponse is either a Job or the no-work sentinel, which carries only
// an "error" key.
type pollResponse struct {
	dragonfly.Job
	Error *string `json:"error"`
}

// Poll claims the next job. A nil Job and nil error means there's no work
// available.
func (c *Client) Poll(ctx context.Context, cred auth.Credential) (*dragonfly.Job, error) {
	const op = `jobs.Poll`
	var res pollResponse
	if err := c.do(ctx, op, http.MethodPost, "job", cred, nil, &res); err != nil {
		return nil, err
	}
	if res.Error != nil {
		slog.DebugContext(ctx, "no job available", "reason", *res.Error)
		return nil, nil
	}
	if res.Name == "" {
		return nil, &dragonfly.Error{
			Op:      op,
			Kind:    dragonfly.ErrNetwork,
			Message: "job response has no name",
		}
	}
	j := res.Job
	return &j, nil
}

// SubmitFailure reports that "job" could not be scanned.
func (c *Client) SubmitFailure(ctx context.Context, cred auth.Credential, job *dragonfly.Job, reason string) error {
	const op = `jobs.SubmitFailure`
	return c.do(ctx, op, http.MethodPut, "package", cred, dragonfly.NewFailure(job, reason), nil)
}

// SubmitVerdict reports a completed scan.
func (c *Client) SubmitVerdict(ctx context.Context, cred auth.Credential, v *dragonfly.Verdict) error {
	const op = `jobs.SubmitVerdict`
	return c.do(ctx, op, http.MethodPut, "package", cred, v, nil)
}

func (c *Client) do(ctx context.Context, op, method, p string, cred auth.Credential, in, out any) error {
	u := c.base.JoinPath(p)
	req, err := httputil.NewRequest(ctx, method, u.String(), string(cred), in)
	if err != nil {
		return &dragonfly.Error{
			Op:    op,
			Kind:  dragonfly.ErrInternal,
			Inner: err,
		}
	}
	res, err := c.c.Do(req)
	if err != nil {
		return httputil.NetworkError(op, err)
	}
	defer res.Body.Close()
	if err := httputil.CheckSuccess(op, res); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := httputil.DecodeJSON(op, res, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	return nil
}
