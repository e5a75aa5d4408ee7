package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/cloudbackupd/internal/chunk"
	"github.com/Chapsvision-dev/cloudbackupd/internal/config"
)

/* ----------------------------- test harness ----------------------------- */

type exitPanic struct{ code int }

func patchExit(t *testing.T) func() {
	t.Helper()
	prev := exit
	exit = func(code int) { panic(exitPanic{code}) }
	return func() { exit = prev }
}

func mustExitCode(t *testing.T, fn func()) (code int) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected os.Exit interception, got no panic")
		}
		if ep, ok := r.(exitPanic); ok {
			code = ep.code
			return
		}
		t.Fatalf("unexpected panic: %#v", r)
	}()
	fn()
	return 0
}

func withArgs(t *testing.T, args []string) func() {
	t.Helper()
	prev := os.Args
	os.Args = append([]string{prev[0]}, args...)
	return func() { os.Args = prev }
}

func captureStdout(t *testing.T) func() string {
	t.Helper()
	old := os.Stdout
	var buf bytes.Buffer
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return func() string {
		_ = w.Close()
		<-done
		os.Stdout = old
		return buf.String()
	}
}

func resetSeams() {
	loadConfig = config.Load
	serve = run
}

// testConfig is a complete daemon config rooted in a temp dir, with an
// in-memory store and a single fs credential.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.yaml")
	doc := "credentials:\n  local:\n    provider: fs\n    bucket: " + filepath.Join(dir, "objects") + "\n"
	if err := os.WriteFile(creds, []byte(doc), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	return config.Config{
		NodeID:               "node-a",
		ClusterNodes:         []string{"node-a"},
		ListenAddr:           "127.0.0.1:0",
		StateDir:             filepath.Join(dir, "state"),
		StoreDriver:          "memory",
		VolumeRoot:           filepath.Join(dir, "volumes"),
		CredentialsFile:      creds,
		Workers:              1,
		QueueDepth:           4,
		ChunkSize:            4096,
		HeartbeatTimeout:     time.Minute,
		SweepInterval:        10 * time.Second,
		SchedulerTick:        time.Minute,
		RestoreReplicaFactor: 1,
		Compression:          chunk.CompressionZstd,
	}
}

/* --------------------------------- tests -------------------------------- */

// 1) No args -> prints usage, exit code 2
func TestUsage_NoArgs(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{})()

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != 2 {
		t.Fatalf("want exit 2, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage on stdout, got: %q", out)
	}
}

// 2) Unknown command -> usage, exit code 2
func TestUsage_UnknownCommand(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"backup"})()

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	restoreOut()

	if code != 2 {
		t.Fatalf("want exit 2, got %d", code)
	}
}

// 3) version -> exit 0 with the binary name
func TestVersion(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"--version"})()

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != 0 {
		t.Fatalf("want exit 0, got %d", code)
	}
	if !strings.HasPrefix(out, "cloudbackupd ") {
		t.Fatalf("unexpected version output: %q", out)
	}
}

// 4) Config error -> exit 1, daemon never started
func TestServe_ConfigError(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"serve"})()

	loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("bad env") }
	started := false
	serve = func(context.Context, config.Config, zerolog.Logger) error {
		started = true
		return nil
	}

	code := mustExitCode(t, func() { main() })
	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
	if started {
		t.Fatal("daemon started despite config error")
	}
}

// 5) serve receives the loaded config; its error becomes exit 1
func TestServe_RuntimeError(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"SERVE"})()

	loadConfig = func() (config.Config, error) { return config.Config{NodeID: "node-z"}, nil }
	var got config.Config
	serve = func(ctx context.Context, cfg config.Config, _ zerolog.Logger) error {
		got = cfg
		return errors.New("stop")
	}

	code := mustExitCode(t, func() { main() })
	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
	if got.NodeID != "node-z" {
		t.Fatalf("config not passed through: %+v", got)
	}
}

// 6) A clean stop returns from main without calling exit
func TestServe_CleanStop(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"serve"})()

	loadConfig = func() (config.Config, error) { return config.Config{NodeID: "node-a"}, nil }
	serve = func(context.Context, config.Config, zerolog.Logger) error { return nil }

	main()
}

// 7) The real daemon starts on a memory store and stops when ctx ends
func TestRun_StartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
	if _, err := os.Stat(filepath.Join(cfg.StateDir, "cloudbackupd.lock")); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

// 8) A second daemon on the same state dir is refused
func TestRun_StateDirLocked(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		t.Fatal(err)
	}
	held := flock.New(filepath.Join(cfg.StateDir, "cloudbackupd.lock"))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("could not take lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()

	err := run(context.Background(), cfg, zerolog.Nop())
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("want ErrLocked, got %v", err)
	}
}

// 9) Missing credentials file fails startup
func TestRun_MissingCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.CredentialsFile = filepath.Join(t.TempDir(), "absent.yaml")

	if err := run(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("want error for missing credentials file")
	}
}

// 10) openStore: memory, sqlite and an unknown driver
func TestOpenStore(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = st.Close()

	cfg.StoreDriver = "sqlite"
	cfg.StoreDSN = "file:" + filepath.Join(t.TempDir(), "cb.db")
	st, err = openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, err := st.ListPolicies(context.Background()); err != nil {
		t.Fatalf("sqlite not migrated: %v", err)
	}
	_ = st.Close()

	cfg.StoreDriver = "mysql"
	if _, err := openStore(context.Background(), cfg); err == nil {
		t.Fatal("want error for unknown driver")
	}
}

// 11) withSignals: cancels context on SIGINT
func TestWithSignals_CancelsOnInterrupt(t *testing.T) {
	ctx, stop := withSignals(context.Background())
	defer stop()

	// Send SIGINT after a short delay to ensure signal.Notify has been registered.
	time.AfterFunc(100*time.Millisecond, func() {
		p, _ := os.FindProcess(os.Getpid())
		_ = p.Signal(os.Interrupt)
	})

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after os.Interrupt")
	}
}
