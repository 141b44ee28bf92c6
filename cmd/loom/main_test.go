package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/config"
	"loom/pkg/queue"
	"loom/pkg/scheduler"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"run", "scan", "status"} {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(out, "loom ") {
		t.Errorf("version output = %q", out)
	}
}

func TestScanListsAnnotations(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := "package a\n//~! fix the parser\nfunc a() {}\n"
	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "scan", "--root", root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(out, "a.go:2") || !strings.Contains(out, "fix the parser") {
		t.Errorf("scan output missing annotation:\n%s", out)
	}
	if !strings.Contains(out, "[fix/p1]") {
		t.Errorf("scan output missing intent/priority tag:\n%s", out)
	}
	if !strings.Contains(out, "1 annotation(s)") {
		t.Errorf("scan output missing count:\n%s", out)
	}
}

func TestScanEmptyTree(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "scan", "--root", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0 annotation(s)") {
		t.Errorf("output = %q", out)
	}
}

func TestStatusMissingDatabase(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "status", "--db", filepath.Join(t.TempDir(), "absent.db"))
	if err == nil {
		t.Fatal("status against a missing database must fail")
	}
}

func TestRegisterBackendsRequiresOne(t *testing.T) {
	t.Parallel()

	sched := scheduler.New(queue.New(), nil, scheduler.Config{})
	err := registerBackends(sched, config.Config{})
	if err == nil || !strings.Contains(err.Error(), "no backend configured") {
		t.Fatalf("err = %v, want backend configuration error", err)
	}

	var cfg config.Config
	cfg.Local.Command = "ollama"
	if err := registerBackends(sched, cfg); err != nil {
		t.Fatalf("local-only config rejected: %v", err)
	}
}
