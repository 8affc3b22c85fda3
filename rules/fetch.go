package rules

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/dragonfly-scan/dragonfly/auth"
	"github.com/dragonfly-scan/dragonfly/internal/httputil"
)

type rulesResponse struct {
	Hash  string            `json:"hash"`
	Rules map[string]string `json:"rules"`
}

// Fetch retrieves the current ruleset from the server at "base" and
// compiles it. The fragments are joined with newlines in ascending name
// order.
//
// Nothing is installed anywhere; on any error the caller's current ruleset
// should be left in place.
func Fetch(ctx context.Context, c *http.Client, base string, cred auth.Credential) (string, *Ruleset, error) {
	const op = `rules.Fetch`
	u, err := url.JoinPath(base, "rules")
	if err != nil {
		return "", nil, httputil.NetworkError(op, err)
	}
	req, err := httputil.NewRequest(ctx, http.MethodGet, u, string(cred), nil)
	if err != nil {
		return "", nil, httputil.NetworkError(op, err)
	}
	res, err := c.Do(req)
	if err != nil {
		return "", nil, httputil.NetworkError(op, err)
	}
	defer res.Body.Close()
	if err := httputil.CheckSuccess(op, res); err != nil {
		return "", nil, err
	}
	var body rulesResponse
	if err := httputil.DecodeJSON(op, res, &body); err != nil {
		return "", nil, err
	}

	names := make([]string, 0, len(body.Rules))
	for n := range body.Rules {
		names = append(names, n)
	}
	slices.Sort(names)
	frags := make([]string, len(names))
	for i, n := range names {
		frags[i] = body.Rules[n]
	}
	rs, err := Compile(strings.Join(frags, "\n"))
	if err != nil {
		return "", nil, err
	}
	slog.DebugContext(ctx, "fetched ruleset",
		"hash", body.Hash,
		"fragments", len(names),
		"rules", rs.Len())
	return body.Hash, rs, nil
}
