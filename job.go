package dragonfly

import (
	packageurl "github.com/package-url/packageurl-go"
)

// Job is one unit of work handed out by the server: a single release and the
// distributions belonging to it.
//
// A Job has no identity beyond the request that returned it.
type Job struct {
	// Hash is the ruleset commit the server expects the job to be scanned
	// with.
	Hash    string `json:"hash"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Distributions are download URLs, in server order.
	Distributions []string `json:"distributions"`
}

// PURL returns the package URL for the release, used for log correlation.
func (j *Job) PURL() string {
	return packageurl.NewPackageURL(packageurl.TypePyPi, "", j.Name, j.Version, nil, "").String()
}

// Verdict is the body reported for a successfully scanned job.
type Verdict struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Score        int64    `json:"score"`
	InspectorURL string   `json:"inspector_url,omitempty"`
	RulesMatched []string `json:"rules_matched"`
	// Commit is the hash of the ruleset used to produce these results.
	Commit string `json:"commit"`
}

// Failure is the body reported for a job that could not be scanned.
type Failure struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

// NewVerdict aggregates the per-distribution results and builds the Verdict
// for the job, tagged with the ruleset commit.
func NewVerdict(job *Job, results []DistributionScanResult, commit string) *Verdict {
	s := Aggregate(results)
	return &Verdict{
		Name:         job.Name,
		Version:      job.Version,
		Score:        s.Score,
		InspectorURL: s.InspectorURL,
		RulesMatched: s.RulesMatched,
		Commit:       commit,
	}
}

// NewFailure builds the Failure report for the job.
func NewFailure(job *Job, reason string) *Failure {
	return &Failure{
		Name:    job.Name,
		Version: job.Version,
		Reason:  reason,
	}
}
