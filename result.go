package dragonfly

// DistributionScanResult is the scanning engine's output for one
// distribution of a job.
type DistributionScanResult struct {
	// URL is the distribution's download URL.
	URL string
	// Score is the sum of the scores of every file in the distribution.
	Score int64
	// Matched is the set of rule identifiers matched anywhere in the
	// distribution, sorted.
	Matched []string
	// InspectorURL links to the most suspicious file, if any rule matched.
	// The empty string means absent.
	InspectorURL string
	Files        []FileResult
}

// FileResult is the scan result for a single archive member.
type FileResult struct {
	Path    string
	Score   int64
	Matched []string
}

// Summary is what gets reported for a job: the score, inspector link, and
// rule identifiers of its highest-scoring distribution.
type Summary struct {
	Score        int64
	InspectorURL string
	RulesMatched []string
}

// Aggregate selects the distribution with the highest score. Ties go to the
// earliest result.
//
// Only the winning distribution's rules are reported, not the union across
// all distributions. An empty input is a valid "nothing found" outcome and
// reports a zero score and no rules.
func Aggregate(results []DistributionScanResult) Summary {
	out := Summary{RulesMatched: []string{}}
	win := -1
	for i := range results {
		if win == -1 || results[i].Score > results[win].Score {
			win = i
		}
	}
	if win == -1 {
		return out
	}
	r := &results[win]
	out.Score = r.Score
	out.InspectorURL = r.InspectorURL
	if len(r.Matched) != 0 {
		out.RulesMatched = append(out.RulesMatched, r.Matched...)
	}
	return out
}
