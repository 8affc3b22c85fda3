// Package client composes the credential provider, ruleset synchronizer,
// session state, job gateway and archive retriever into the single object
// the worker loop drives.
package client

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/archive"
	"github.com/dragonfly-scan/dragonfly/auth"
	"github.com/dragonfly-scan/dragonfly/config"
	"github.com/dragonfly-scan/dragonfly/jobs"
	"github.com/dragonfly-scan/dragonfly/rules"
	"github.com/dragonfly-scan/dragonfly/session"
)

// Client is safe for concurrent use. Every method performs at most one
// exchange with the server and never retries.
type Client struct {
	http    *http.Client
	base    string
	auth    *auth.Provider
	jobs    *jobs.Client
	fetcher *archive.Fetcher
	state   *session.State
	sf      singleflight.Group
}

// Option controls the configuration of a Client.
type Option func(*Client) error

// WithHTTPClient sets the http.Client used for every request.
//
// If not passed to New, a client with the configured timeout is used.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) error {
		cl.http = c
		return nil
	}
}

// New authenticates and fetches the initial ruleset. The returned Client
// has a usable session.
func New(ctx context.Context, cfg *config.Config, opt ...Option) (_ *Client, err error) {
	ctx, span := tracer.Start(ctx, "New")
	defer endSpan(span, &err)

	c := Client{base: cfg.BaseURL}
	for _, f := range opt {
		if err := f(&c); err != nil {
			return nil, err
		}
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	authOpts := []auth.Option{auth.WithClient(c.http)}
	if cfg.TokenURL != "" {
		authOpts = append(authOpts, auth.WithTokenURL(cfg.TokenURL))
	}
	if c.auth, err = auth.NewProvider(cfg.Auth0Domain, cfg.Secrets(), authOpts...); err != nil {
		return nil, err
	}
	if c.jobs, err = jobs.NewClient(c.http, cfg.BaseURL); err != nil {
		return nil, err
	}
	c.fetcher = &archive.Fetcher{Client: c.http, MaxSize: cfg.MaxScanBytes}

	cred, err := c.auth.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	hash, rs, err := rules.Fetch(ctx, c.http, c.base, cred)
	if err != nil {
		return nil, err
	}
	c.state = session.New(cred, hash, rs)
	slog.InfoContext(ctx, "session established", "hash", hash, "rules", rs.Len())
	return &c, nil
}

// Snapshot returns the current session.
func (c *Client) Snapshot() session.Snapshot {
	return c.state.Load()
}

// Reauthorize fetches a new credential and installs it. Concurrent calls
// share a single exchange.
func (c *Client) Reauthorize(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "Reauthorize")
	defer endSpan(span, &err)

	_, err, shared := c.sf.Do("reauthorize", func() (any, error) {
		cred, err := c.auth.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.state.InstallCredential(cred)
		return nil, nil
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	if err == nil {
		slog.InfoContext(ctx, "reauthorized", "shared", shared)
	}
	return err
}

// SyncRules fetches and installs the current ruleset. On any error the
// installed ruleset is left as it was.
func (c *Client) SyncRules(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "SyncRules")
	defer endSpan(span, &err)

	prev := c.state.Hash()
	hash, rs, err := rules.Fetch(ctx, c.http, c.base, c.state.Credential())
	if err != nil {
		return err
	}
	c.state.InstallRuleset(hash, rs)
	span.SetAttributes(attribute.String("hash", hash))
	slog.InfoContext(ctx, "ruleset updated", "from", prev, "to", hash, "rules", rs.Len())
	return nil
}

// GetJob claims a job. A nil Job and nil error means there's no work.
func (c *Client) GetJob(ctx context.Context) (_ *dragonfly.Job, err error) {
	ctx, span := tracer.Start(ctx, "GetJob")
	defer endSpan(span, &err)

	j, err := c.jobs.Poll(ctx, c.state.Credential())
	if err != nil {
		return nil, err
	}
	if j != nil {
		span.SetAttributes(attribute.String("purl", j.PURL()))
	}
	return j, nil
}

// SendError reports a job that couldn't be scanned.
func (c *Client) SendError(ctx context.Context, job *dragonfly.Job, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "SendError", trace.WithAttributes(
		attribute.String("purl", job.PURL()),
	))
	defer endSpan(span, &err)
	return c.jobs.SubmitFailure(ctx, c.state.Credential(), job, reason)
}

// SubmitJobResults aggregates the per-distribution results and reports the
// verdict, tagged with the hash of the ruleset the scan used.
func (c *Client) SubmitJobResults(ctx context.Context, job *dragonfly.Job, results []dragonfly.DistributionScanResult, commit string) (err error) {
	ctx, span := tracer.Start(ctx, "SubmitJobResults", trace.WithAttributes(
		attribute.String("purl", job.PURL()),
		attribute.Int("distributions", len(results)),
	))
	defer endSpan(span, &err)

	v := dragonfly.NewVerdict(job, results, commit)
	span.SetAttributes(attribute.Int64("score", v.Score))
	slog.InfoContext(ctx, "submitting verdict",
		"purl", job.PURL(),
		"score", v.Score,
		"inspector_url", v.InspectorURL,
		"rules_matched", v.RulesMatched)
	return c.jobs.SubmitVerdict(ctx, c.state.Credential(), v)
}

// Fetch retrieves a distribution archive.
func (c *Client) Fetch(ctx context.Context, uri string) (_ *archive.Archive, err error) {
	ctx, span := tracer.Start(ctx, "Fetch", trace.WithAttributes(
		attribute.String("url", uri),
	))
	defer endSpan(span, &err)

	a, err := c.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("size", a.Size))
	return a, nil
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, "method error")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
