package test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dragonfly-scan/dragonfly"
)

// Server is a fake dragonfly coordination server, including the token
// endpoint normally served by the auth domain.
//
// Every API endpoint requires the most recently issued token.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	token    string
	issued   int
	expired  bool
	authCode int
	authBody map[string]string
	hash     string
	rules    map[string]string
	jobs     []dragonfly.Job
	verdicts []dragonfly.Verdict
	failures []dragonfly.Failure
	polls    int
	syncs    int
	mux      *http.ServeMux
}

// NewServer starts a Server that's closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		rules: make(map[string]string),
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /oauth/token", s.handleToken)
	s.mux.HandleFunc("GET /rules", s.authorized(s.handleRules))
	s.mux.HandleFunc("POST /job", s.authorized(s.handleJob))
	s.mux.HandleFunc("PUT /package", s.authorized(s.handlePackage))
	s.Server = httptest.NewServer(s.mux)
	t.Cleanup(s.Close)
	return s
}

// TokenURL is the URL of the token endpoint.
func (s *Server) TokenURL() string { return s.URL + "/oauth/token" }

// SetRules sets the ruleset served from "/rules".
func (s *Server) SetRules(hash string, rules map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hash = hash
	s.rules = rules
}

// PushJob queues a job for "/job" to hand out.
func (s *Server) PushJob(j ...dragonfly.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j...)
}

// Expire makes the current token invalid until a new one is issued.
func (s *Server) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = true
}

// FailAuth makes the token endpoint answer with "code". Zero restores normal
// behavior.
func (s *Server) FailAuth(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCode = code
}

// Issued reports how many tokens have been handed out.
func (s *Server) Issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// Polls reports how many times "/job" has been requested.
func (s *Server) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Syncs reports how many times "/rules" has been requested.
func (s *Server) Syncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// AuthBody returns the most recent token request body.
func (s *Server) AuthBody() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authBody
}

// Verdicts returns the success reports received so far.
func (s *Server) Verdicts() []dragonfly.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dragonfly.Verdict(nil), s.verdicts...)
}

// Failures returns the failure reports received so far.
func (s *Server) Failures() []dragonfly.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dragonfly.Failure(nil), s.failures...)
}

// Serve serves "b" at "path" and returns the absolute URL.
func (s *Server) Serve(path string, b []byte) string {
	return s.Handle(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(b)
	})
}

// Handle registers "h" for GET requests at "path" and returns the absolute
// URL.
func (s *Server) Handle(path string, h http.HandlerFunc) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	s.mux.HandleFunc("GET "+path, h)
	return s.URL + path
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := s.token != "" && !s.expired &&
			r.Header.Get("Authorization") == "Bearer "+s.token
		s.mu.Unlock()
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	body := make(map[string]string)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authBody = body
	if s.authCode != 0 {
		http.Error(w, "access denied", s.authCode)
		return
	}
	s.issued++
	s.token = fmt.Sprintf("token-%d", s.issued)
	s.expired = false
	writeJSON(w, map[string]any{
		"access_token": s.token,
		"expires_in":   86400,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
	writeJSON(w, map[string]any{
		"hash":  s.hash,
		"rules": s.rules,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if len(s.jobs) == 0 {
		writeJSON(w, map[string]any{"error": "no jobs available"})
		return
	}
	j := s.jobs[0]
	s.jobs = s.jobs[1:]
	writeJSON(w, &j)
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, _ := json.Marshal(raw)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := raw["reason"]; ok {
		var f dragonfly.Failure
		if err := json.Unmarshal(b, &f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.failures = append(s.failures, f)
	} else {
		var v dragonfly.Verdict
		if err := json.Unmarshal(b, &v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.verdicts = append(s.verdicts, v)
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
