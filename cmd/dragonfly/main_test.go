package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/dragonfly-scan/dragonfly"
)

func TestVersion(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(out.String()), "dragonfly "+dragonfly.Version; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestMissingCredentials(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCommand()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "client_id") {
		t.Errorf("unexpected error: %v", err)
	}
}
