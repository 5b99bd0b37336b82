package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dCache/dcache-sub081/internal/pool/replica"
	"github.com/dCache/dcache-sub081/internal/pool/repository"
	"github.com/dCache/dcache-sub081/testutil"
)

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// newPoolConfig writes a config for a pool under a fresh directory.
func newPoolConfig(t *testing.T, extra string) (configPath, base string) {
	t.Helper()
	dir := t.TempDir()
	base = filepath.Join(dir, "pool-a")
	content := "base_dir: " + base + "\ntotal_space: 1M\nmetrics_listen: \"\"\n" + extra
	return testutil.TempFile(t, dir, "pool.yaml", content), base
}

func importHello(t *testing.T, configPath string, flags ...string) replica.ID {
	t.Helper()
	src := testutil.TempFile(t, t.TempDir(), "hello.txt", "hello world")
	out, err := execute(t, append([]string{"import", src, "-c", configPath}, flags...)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	fields := strings.Fields(lines[0])
	require.Len(t, fields, 3)
	assert.Equal(t, "11", fields[2])
	assert.Equal(t, "adler32:1a0b045d", lines[1])
	return replica.MustParseID(fields[0])
}

func TestInit(t *testing.T) {
	configPath, base := newPoolConfig(t, "")

	out, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized pool pool-a")

	for _, p := range []string{"setup", "data", "control"} {
		_, err := os.Stat(filepath.Join(base, p))
		assert.NoError(t, err, p)
	}

	// Idempotent
	_, err = execute(t, "init", "-c", configPath)
	assert.NoError(t, err)
}

func TestImportInventoryCatRm(t *testing.T) {
	configPath, base := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)

	id := importHello(t, configPath)

	out, err := execute(t, "inventory", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, id.String())
	assert.Contains(t, out, "cached")
	assert.Contains(t, out, "1 replicas")

	out, err = execute(t, "cat", id.String(), "-c", configPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = execute(t, "rm", id.String(), "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "removed "+id.String())

	_, err = os.Stat(filepath.Join(repository.DataDir(base), id.String()))
	assert.True(t, os.IsNotExist(err), "data file must be deleted")

	out, err = execute(t, "inventory", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "0 replicas")
}

func TestImportPreciousSticky(t *testing.T) {
	configPath, _ := newPoolConfig(t, "metadata_store: bolt\n")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)

	id := importHello(t, configPath, "--precious", "--sticky", "alice")

	out, err := execute(t, "inventory", "-c", configPath)
	require.NoError(t, err)
	line := lineWith(out, id.String())
	assert.Contains(t, line, "precious")
	assert.Contains(t, line, "alice")
}

func TestStateAndSticky(t *testing.T) {
	configPath, _ := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)
	id := importHello(t, configPath)

	_, err = execute(t, "state", id.String(), "precious", "-c", configPath)
	require.NoError(t, err)
	_, err = execute(t, "sticky", id.String(), "bob", "-c", configPath)
	require.NoError(t, err)

	out, err := execute(t, "inventory", "-c", configPath)
	require.NoError(t, err)
	line := lineWith(out, id.String())
	assert.Contains(t, line, "precious")
	assert.Contains(t, line, "bob")

	_, err = execute(t, "sticky", id.String(), "bob", "--clear", "-c", configPath)
	require.NoError(t, err)
	_, err = execute(t, "state", id.String(), "cached", "-c", configPath)
	require.NoError(t, err)

	out, err = execute(t, "inventory", "-c", configPath)
	require.NoError(t, err)
	line = lineWith(out, id.String())
	assert.Contains(t, line, "cached")
	assert.NotContains(t, line, "bob")

	_, err = execute(t, "state", id.String(), "creating", "-c", configPath)
	assert.Error(t, err)
}

func TestRmUnknown(t *testing.T) {
	configPath, _ := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)

	_, err = execute(t, "rm", replica.NewID().String(), "-c", configPath)
	assert.ErrorIs(t, err, replica.ErrNotFound)

	_, err = execute(t, "rm", "not-an-id", "-c", configPath)
	assert.Error(t, err)
}

func TestReserve(t *testing.T) {
	configPath, _ := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)

	out, err := execute(t, "reserve", "100", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "reserved 100 bytes")

	// The reservation survives a restart
	out, err = execute(t, "reserve", "40", "--free", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "reserved 60 bytes")

	_, err = execute(t, "reserve", "lots", "-c", configPath)
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	configPath, base := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)

	out, err := execute(t, "check", "-c", configPath)
	require.NoError(t, err)
	assert.Equal(t, "healthy\n", out)

	require.NoError(t, os.Remove(filepath.Join(base, "setup")))
	out, err = execute(t, "check", "-c", configPath)
	assert.Error(t, err)
	assert.Equal(t, "unhealthy\n", out)
}

func TestImportExpectedChecksum(t *testing.T) {
	configPath, _ := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)
	src := testutil.TempFile(t, t.TempDir(), "hello.txt", "hello world")

	out, err := execute(t, "import", src, "-c", configPath, "--checksum", "md5:5eb63bbbe01eeed093cb22bb8f5acdc3")
	require.NoError(t, err)
	assert.Contains(t, out, "adler32:1a0b045d")
	assert.Contains(t, out, "md5:5eb63bbbe01eeed093cb22bb8f5acdc3")

	_, err = execute(t, "import", src, "-c", configPath, "--checksum", "adler32:00000001")
	assert.ErrorIs(t, err, repository.ErrChecksumMismatch)

	_, err = execute(t, "import", src, "-c", configPath, "--checksum", "adler32")
	assert.Error(t, err)

	out, err = execute(t, "inventory", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 replicas")
}

func TestVerify(t *testing.T) {
	configPath, base := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)
	good := importHello(t, configPath)
	bad := importHello(t, configPath)

	out, err := execute(t, "verify", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, good.String()+" ok")
	assert.Contains(t, out, bad.String()+" ok")

	// Same size, different content
	require.NoError(t, os.WriteFile(filepath.Join(repository.DataDir(base), bad.String()), []byte("HELLO WORLD"), 0o644))

	out, err = execute(t, "verify", "-c", configPath)
	assert.ErrorContains(t, err, "1 of 2 replicas failed verification")
	assert.Contains(t, out, good.String()+" ok")
	assert.Contains(t, out, bad.String()+" mismatch")

	out, err = execute(t, "verify", good.String(), "-c", configPath)
	require.NoError(t, err)
	assert.Equal(t, good.String()+" ok\n", out)

	_, err = execute(t, "verify", "not-an-id", "-c", configPath)
	assert.Error(t, err)
}

func TestAdminCommandsRefusedWhilePoolOpen(t *testing.T) {
	configPath, _ := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)
	id := importHello(t, configPath)

	cfgFile = configPath
	t.Cleanup(func() { cfgFile = "" })
	cfg, err := loadConfig()
	require.NoError(t, err)
	p, err := recoverPool(cfg, nil)
	require.NoError(t, err)

	_, err = execute(t, "rm", id.String(), "-c", configPath)
	assert.ErrorIs(t, err, repository.ErrPoolInUse)
	_, err = execute(t, "inventory", "-c", configPath)
	assert.ErrorIs(t, err, repository.ErrPoolInUse)

	// The replica is still served by the open pool
	h, err := p.dir.OpenRead(id)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, p.Close())

	out, err := execute(t, "rm", id.String(), "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "removed "+id.String())
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "inventory", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := testutil.TempFile(t, dir, "pool.yaml", "base_dir: "+dir+"\n")

	_, err := execute(t, "init", "-c", configPath)
	assert.ErrorContains(t, err, "total_space")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pool "+Version)
}

func TestPrintInventory(t *testing.T) {
	id := replica.MustParseID("000100000000000000001060")
	var buf bytes.Buffer
	printInventory(&buf, []replica.Entry{{
		ID:         id,
		State:      replica.Precious,
		Size:       42,
		LastAccess: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Sticky:     []replica.StickyRecord{{Owner: "alice"}, {Owner: "system"}},
	}}, repository.SpaceRecord{Total: 1000, Used: 42, Free: 958, Precious: 42})

	line := lineWith(buf.String(), id.String())
	assert.Contains(t, line, "precious")
	assert.Contains(t, line, "42")
	assert.Contains(t, line, "2024-03-01 12:00:00")
	assert.Contains(t, line, "alice,system")
	assert.Contains(t, buf.String(), "Free:      958 bytes")
}

func TestHealthEndpoint(t *testing.T) {
	configPath, base := newPoolConfig(t, "")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)

	cfgFile = configPath
	t.Cleanup(func() { cfgFile = "" })
	cfg, err := loadConfig()
	require.NoError(t, err)
	p, err := recoverPool(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	mux := newMux(p.dir)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, os.Remove(filepath.Join(base, "setup")))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunShipsLogsToLoki(t *testing.T) {
	var mu sync.Mutex
	var pushed strings.Builder
	loki := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		pushed.Write(body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer loki.Close()

	configPath, _ := newPoolConfig(t, "loki_url: "+loki.URL+"\n")
	_, err := execute(t, "init", "-c", configPath)
	require.NoError(t, err)

	cfgFile = configPath
	t.Cleanup(func() { cfgFile = "" })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err = runPool(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, pushed.String(), "Pool ready")
	assert.Contains(t, pushed.String(), `"pool":"pool-a"`)
}

func lineWith(out, substr string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, substr) {
			return line
		}
	}
	return ""
}
