package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunBothRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"run", "-dir", dir, "-name", "cli", "-capacity", "10", "-count", "25", "-poll", "5ms",
	}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit %d, got %d: %s", exitOK, code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 50 {
		t.Fatalf("expected 50 event lines, got %d", len(lines))
	}
	var consumed []string
	for _, l := range lines {
		if strings.HasPrefix(l, "consumed ") {
			consumed = append(consumed, l)
		}
	}
	if len(consumed) != 25 || consumed[24] != "consumed item=25 slot=4" {
		t.Fatalf("unexpected consumer lines: %v", consumed)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("run left objects behind: %v", entries)
	}
}

func TestConsumeWithoutProducer(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"consume", "-dir", t.TempDir(), "-name", "nobody"}, &stdout, &stderr)
	if code != exitFatal {
		t.Fatalf("expected exit %d, got %d", exitFatal, code)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Errorf("expected the failure on stderr, got %q", stderr.String())
	}
}

func TestProduceCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	// No consumer and an unbounded count: the producer fills the buffer and
	// parks until the interrupt arrives.
	code := run(ctx, []string{"produce", "-dir", dir, "-name", "parked", "-capacity", "2", "-count", "0", "-poll", "5ms"}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected a graceful exit, got %d: %s", code, stderr.String())
	}
	if n := strings.Count(stdout.String(), "\n"); n != 2 {
		t.Errorf("expected 2 produced lines, got %d", n)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("owner left objects behind: %v", entries)
	}
}

func TestCleanAndStat(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer

	if code := run(context.Background(), []string{"clean", "-dir", dir, "-name", "none"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("clean of nothing should succeed, got %d: %s", code, stderr.String())
	}
	if code := run(context.Background(), []string{"stat", "-dir", dir, "-name", "none"}, &stdout, &stderr); code != exitFatal {
		t.Fatalf("stat of a missing buffer should fail, got %d", code)
	}
	// Leftovers from a killed process.
	for _, n := range []string{"bbq.old", "bbq.old.empty"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte{0}, 0o666); err != nil {
			t.Fatal(err)
		}
	}
	if code := run(context.Background(), []string{"clean", "-dir", dir, "-name", "old"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("clean failed with %d: %s", code, stderr.String())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("clean left objects behind: %v", entries)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bbq.yaml")
	body := "name: fromfile\ncapacity: 3\npoll_interval: 5ms\nproducer:\n  count: 4\nconsumer:\n  count: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseFlags("run", []string{"-config", path, "-dir", dir, "-count", "6"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if cfg.Name != "fromfile" || cfg.Capacity != 3 || cfg.Dir != dir {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Producer.Count != 6 || cfg.Consumer.Count != 6 {
		t.Errorf("explicit flag should override the file: %+v", cfg)
	}
}

func TestRunMismatchedCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bbq.yaml")
	body := "capacity: 2\nproducer:\n  count: 10\nconsumer:\n  count: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"run", "-config", path, "-dir", dir, "-name", "uneven"}, &stdout, &stderr)
	if code != exitUsage {
		t.Fatalf("expected usage exit, got %d: %s", code, stderr.String())
	}
	if ctx.Err() != nil {
		t.Fatal("run waited for the deadline instead of refusing the counts")
	}
	if !strings.Contains(stderr.String(), "differ") {
		t.Errorf("expected the count mismatch on stderr, got %q", stderr.String())
	}
}

func TestUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, &stdout, &stderr); code != exitUsage {
		t.Errorf("expected usage exit for no command, got %d", code)
	}
	if code := run(context.Background(), []string{"explode"}, &stdout, &stderr); code != exitUsage {
		t.Errorf("expected usage exit for unknown command, got %d", code)
	}
	if code := run(context.Background(), []string{"run", "-capacity", "0"}, &stdout, &stderr); code != exitUsage {
		t.Errorf("expected usage exit for invalid config, got %d", code)
	}
}
