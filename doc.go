// Package dragonfly holds the domain types shared by the worker client: jobs,
// per-distribution scan results, the verdicts reported back to the server,
// and the error type every component returns.
//
// The client itself lives in the [github.com/dragonfly-scan/dragonfly/client]
// package; the outer job loop lives in
// [github.com/dragonfly-scan/dragonfly/worker].
package dragonfly
