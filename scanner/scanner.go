// Package scanner runs a compiled ruleset over every file of a retrieved
// distribution.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/rules"
)

// Scanner scans distributions. The zero value scans without a read budget.
type Scanner struct {
	// MaxBytes bounds the total bytes read from one distribution. Zip
	// members inflate as they're read, so this is checked again here even
	// though the download itself was bounded. Zero means no bound.
	MaxBytes int64
}

// Scan matches every regular file in "fsys" against "rs".
//
// A file's score is the sum of the weights of the rules it matched, and the
// distribution's score is the sum over its files. When anything matched,
// InspectorURL points at the highest scoring file, the first in walk order
// on ties.
func (s *Scanner) Scan(ctx context.Context, rs *rules.Ruleset, dlURL, name, version string, fsys fs.FS) (dragonfly.DistributionScanResult, error) {
	const op = `scanner.Scan`
	out := dragonfly.DistributionScanResult{
		URL:     dlURL,
		Matched: []string{},
	}
	seen := make(map[string]struct{})
	var used int64
	top := -1

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		b, err := s.read(fsys, p, used)
		used += int64(len(b))
		if err != nil {
			return err
		}
		ms, err := rs.MatchContext(ctx, b)
		if err != nil {
			return err
		}
		if len(ms) == 0 {
			return nil
		}
		fr := dragonfly.FileResult{Path: p}
		for _, m := range ms {
			fr.Score += m.Weight
			fr.Matched = append(fr.Matched, m.Rule)
			seen[m.Rule] = struct{}{}
		}
		slog.DebugContext(ctx, "file matched",
			"path", p,
			"score", fr.Score,
			"rules", fr.Matched)
		out.Score += fr.Score
		out.Files = append(out.Files, fr)
		if top == -1 || fr.Score > out.Files[top].Score {
			top = len(out.Files) - 1
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errBudget):
		return out, &dragonfly.Error{
			Op:      op,
			Kind:    dragonfly.ErrDownloadTooLarge,
			URL:     dlURL,
			Message: fmt.Sprintf("contents exceed %d bytes", s.MaxBytes),
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return out, err
	default:
		return out, &dragonfly.Error{
			Op:    op,
			Kind:  dragonfly.ErrScan,
			URL:   dlURL,
			Inner: err,
		}
	}

	for r := range seen {
		out.Matched = append(out.Matched, r)
	}
	slices.Sort(out.Matched)
	if top != -1 {
		u, err := dragonfly.InspectorURL(name, version, dlURL)
		if err != nil {
			// The link is informational; a bad download URL shouldn't sink
			// the scan.
			slog.WarnContext(ctx, "unable to build inspector url", "url", dlURL, "reason", err)
			return out, nil
		}
		out.InspectorURL = u.JoinPath(out.Files[top].Path).String()
	}
	return out, nil
}

var errBudget = errors.New("read budget exhausted")

// Read reads the file at "p", failing with errBudget if doing so would take
// the total past MaxBytes.
func (s *Scanner) read(fsys fs.FS, p string, used int64) ([]byte, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if s.MaxBytes <= 0 {
		return io.ReadAll(f)
	}
	rem := s.MaxBytes - used
	b, err := io.ReadAll(io.LimitReader(f, rem+1))
	if err != nil {
		return b, err
	}
	if int64(len(b)) > rem {
		return b, errBudget
	}
	return b, nil
}
