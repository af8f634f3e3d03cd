package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cosmicboots/phoenix/config"
)

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	if err := app.RunContext(context.Background(), append([]string{"phoenix"}, args...)); err != nil {
		t.Fatalf("running %v: %s", args, err)
	}
	return buf.String()
}

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	filename := filepath.Join(dir, "config.yaml")
	text := fmt.Sprintf("server:\n  storage_path: %s\nstorage:\n  cache_size: 0\n", filepath.Join(dir, "server"))
	if err := os.WriteFile(filename, []byte(text), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestGenKey(t *testing.T) {
	out := runApp(t, "gen-key")
	if !strings.HasPrefix(out, "private_key: ") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestDumpConfig(t *testing.T) {
	filename := testConfig(t)
	out := runApp(t, "-config", filename, "dump-config")

	dumped := filepath.Join(t.TempDir(), "dumped.yaml")
	if err := os.WriteFile(dumped, []byte(out), 0600); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load(dumped)
	if err != nil {
		t.Fatal(err)
	}
	if c.Storage.CacheSize != 0 {
		t.Errorf("got cache size %d, want 0", c.Storage.CacheSize)
	}
	if !strings.HasSuffix(c.Server.StoragePath, "server") {
		t.Errorf("got storage path %s", c.Server.StoragePath)
	}
}

func TestDumpDBEmpty(t *testing.T) {
	out := runApp(t, "-config", testConfig(t), "dump-db")
	if !strings.Contains(out, "0 manifests") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCollectEmpty(t *testing.T) {
	filename := testConfig(t)
	for _, args := range [][]string{{"gc"}, {"gc", "-full"}} {
		out := runApp(t, append([]string{"-config", filename}, args...)...)
		if !strings.Contains(out, "deleted 0 chunks") {
			t.Errorf("%v: unexpected output %q", args, out)
		}
	}
}
