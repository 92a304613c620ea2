package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/swarmsyncd/internal/config"
	"github.com/schaermu/swarmsyncd/internal/reconcile"
)

// mockGitClient is a mock implementation of git.Client
type mockGitClient struct {
	mu             sync.Mutex
	commit         string
	checkoutCalled bool
	checkoutCount  int
	shouldFail     bool
}

func (m *mockGitClient) EnsureCheckout(_ context.Context, _, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkoutCalled = true
	m.checkoutCount++
	if m.shouldFail {
		return "", errors.New("checkout failed")
	}
	if m.commit == "" {
		return "abc123", nil
	}
	return m.commit, nil
}

// mockOrchestrator is a mock implementation of swarm.Orchestrator
type mockOrchestrator struct {
	mu       sync.Mutex
	deployed []string
	deploys  int
	removes  int
}

func (m *mockOrchestrator) ListStacks(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deployed...), nil
}

func (m *mockOrchestrator) Deploy(_ context.Context, name, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deploys++
	for _, d := range m.deployed {
		if d == name {
			return nil
		}
	}
	m.deployed = append(m.deployed, name)
	return nil
}

func (m *mockOrchestrator) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	kept := m.deployed[:0]
	for _, d := range m.deployed {
		if d != name {
			kept = append(kept, d)
		}
	}
	m.deployed = kept
	return nil
}

func (m *mockOrchestrator) deployCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deploys
}

// setupTestConfig creates a test configuration with a secret file and a
// populated checkout so Engine.Run has something to reconcile.
func setupTestConfig(t *testing.T, secret string) *config.Config {
	t.Helper()

	tmpDir := t.TempDir()

	// Write secret file
	secretFile := filepath.Join(tmpDir, "webhook-secret")
	if err := os.WriteFile(secretFile, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{}
	cfg.Repo.URL = "https://github.com/example/stacks.git"
	cfg.Repo.Ref = "main"
	cfg.Paths.StateDir = filepath.Join(tmpDir, "state")
	cfg.Stacks.File = config.DefaultStacksFile
	cfg.Serve.Enabled = true
	cfg.Serve.ListenAddr = "127.0.0.1:0"
	cfg.Serve.GitHubWebhookSecretFile = secretFile

	// Populate the checkout the mock git client pretends to have synced
	repoDir := cfg.SourceDir()
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		t.Fatalf("failed to create repo dir: %v", err)
	}
	composeFile := filepath.Join(repoDir, "web", "docker-compose.yml")
	if err := os.MkdirAll(filepath.Dir(composeFile), 0755); err != nil {
		t.Fatalf("failed to create stack dir: %v", err)
	}
	if err := os.WriteFile(composeFile, []byte("services:\n  web:\n    image: nginx:1.27\n"), 0644); err != nil {
		t.Fatalf("failed to write compose file: %v", err)
	}
	manifest := "stacks:\n  - name: web\n    compose_file: web/docker-compose.yml\n"
	if err := os.WriteFile(cfg.StacksFilePath(), []byte(manifest), 0644); err != nil {
		t.Fatalf("failed to write stacks manifest: %v", err)
	}

	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg *config.Config, gitClient *mockGitClient, orch *mockOrchestrator) *Server {
	t.Helper()
	logger := testLogger()
	engine := reconcile.NewEngine(cfg, gitClient, orch, logger, false)
	server, err := NewServer(cfg, engine, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

// computeSignature computes a GitHub-style HMAC signature for a payload
func computeSignature(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNewServer(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	if string(server.secret) != "test-secret" {
		t.Errorf("expected secret to be trimmed, got %q", string(server.secret))
	}
}

func TestNewServerMissingSecretFile(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	cfg.Serve.GitHubWebhookSecretFile = filepath.Join(t.TempDir(), "does-not-exist")

	logger := testLogger()
	engine := reconcile.NewEngine(cfg, &mockGitClient{}, &mockOrchestrator{}, logger, false)
	if _, err := NewServer(cfg, engine, logger); err == nil {
		t.Error("expected error for missing secret file")
	}
}

func TestVerifySignature(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	payload := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			signature: computeSignature([]byte("test-secret"), payload),
			want:      true,
		},
		{
			name:      "wrong secret",
			signature: computeSignature([]byte("wrong-secret"), payload),
			want:      false,
		},
		{
			name:      "empty signature",
			signature: "",
			want:      false,
		},
		{
			name:      "missing prefix",
			signature: hex.EncodeToString([]byte("garbage")),
			want:      false,
		},
		{
			name:      "malformed hex",
			signature: "sha256=not-hex",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(payload, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsEventTypeAllowed(t *testing.T) {
	cfg := setupTestConfig(t, "s")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	// No filter: everything allowed
	if !server.isEventTypeAllowed("push") {
		t.Error("expected push to be allowed with no filter")
	}
	if !server.isEventTypeAllowed("ping") {
		t.Error("expected ping to be allowed with no filter")
	}

	// With filter
	server.cfg.Serve.AllowedEventTypes = []string{"push"}
	if !server.isEventTypeAllowed("push") {
		t.Error("expected push to be allowed")
	}
	if server.isEventTypeAllowed("pull_request") {
		t.Error("expected pull_request to be rejected")
	}
}

func TestIsRefAllowed(t *testing.T) {
	cfg := setupTestConfig(t, "s")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	// No filter: everything allowed
	if !server.isRefAllowed("refs/heads/main") {
		t.Error("expected any ref to be allowed with no filter")
	}

	// With filter
	server.cfg.Serve.AllowedRefs = []string{"refs/heads/main"}
	if !server.isRefAllowed("refs/heads/main") {
		t.Error("expected main to be allowed")
	}
	if server.isRefAllowed("refs/heads/feature") {
		t.Error("expected feature branch to be rejected")
	}
}

func postWebhook(handler http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhook_InvalidMethod(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandleWebhook_InvalidContentType(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	rec := postWebhook(server.Handler(), []byte("{}"), map[string]string{
		"Content-Type": "text/plain",
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	body := []byte(`{"ref":"refs/heads/main"}`)
	rec := postWebhook(server.Handler(), body, map[string]string{
		"Content-Type":        "application/json",
		"X-Hub-Signature-256": computeSignature([]byte("wrong-secret"), body),
		"X-GitHub-Event":      "push",
	})

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandleWebhook_DisallowedEventType(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	cfg.Serve.AllowedEventTypes = []string{"push"}
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	body := []byte(`{"ref":"refs/heads/main"}`)
	rec := postWebhook(server.Handler(), body, map[string]string{
		"Content-Type":        "application/json",
		"X-Hub-Signature-256": computeSignature([]byte("test-secret"), body),
		"X-GitHub-Event":      "pull_request",
	})

	// Disallowed events are acknowledged but not acted on
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandleWebhook_DisallowedRef(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	cfg.Serve.AllowedRefs = []string{"refs/heads/main"}
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	body := []byte(`{"ref":"refs/heads/feature"}`)
	rec := postWebhook(server.Handler(), body, map[string]string{
		"Content-Type":        "application/json",
		"X-Hub-Signature-256": computeSignature([]byte("test-secret"), body),
		"X-GitHub-Event":      "push",
	})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandleWebhook_MalformedPayload(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	body := []byte(`not json at all`)
	rec := postWebhook(server.Handler(), body, map[string]string{
		"Content-Type":        "application/json",
		"X-Hub-Signature-256": computeSignature([]byte("test-secret"), body),
		"X-GitHub-Event":      "push",
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWebhook_ValidPushTriggersReconcile(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	gitClient := &mockGitClient{commit: "deadbeef"}
	orch := &mockOrchestrator{}
	server := newTestServer(t, cfg, gitClient, orch)

	// Shorten the debounce so the test does not sleep for seconds
	server.debounce.delay = 10 * time.Millisecond

	body := []byte(`{"ref":"refs/heads/main","after":"deadbeef","repository":{"full_name":"example/stacks"}}`)
	rec := postWebhook(server.Handler(), body, map[string]string{
		"Content-Type":        "application/json",
		"X-Hub-Signature-256": computeSignature([]byte("test-secret"), body),
		"X-GitHub-Event":      "push",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Wait for the debounced reconcile to run
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if orch.deployCount() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if orch.deployCount() != 1 {
		t.Errorf("expected 1 deploy after webhook, got %d", orch.deployCount())
	}
}

func TestHealthz(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	server := newTestServer(t, cfg, &mockGitClient{}, &mockOrchestrator{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestDebouncer(t *testing.T) {
	d := &debouncer{delay: 50 * time.Millisecond}

	var mu sync.Mutex
	count := 0

	// Rapid-fire triggers should collapse into a single callback
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 callback after debounce, got %d", count)
	}
}

// slowMockGitClient blocks inside EnsureCheckout until released, so tests
// can observe in-flight reconciles.
type slowMockGitClient struct {
	mu      sync.Mutex
	started chan struct{}
	proceed chan struct{}
	calls   int
}

func (m *slowMockGitClient) EnsureCheckout(_ context.Context, _, _, _ string) (string, error) {
	m.mu.Lock()
	m.calls++
	calls := m.calls
	m.mu.Unlock()

	if calls == 1 {
		close(m.started)
		<-m.proceed
	}
	return "abc123", nil
}

func (m *slowMockGitClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestPerformReconcile_SingleFlight(t *testing.T) {
	cfg := setupTestConfig(t, "test-secret")
	logger := testLogger()

	gitClient := &slowMockGitClient{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	engine := reconcile.NewEngine(cfg, gitClient, &mockOrchestrator{}, logger, false)
	server, err := NewServer(cfg, engine, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	// First reconcile blocks inside the git checkout
	done := make(chan struct{})
	go func() {
		server.performReconcile(context.Background())
		close(done)
	}()

	<-gitClient.started

	// While it runs, pile up several requests; they must collapse into at
	// most one pending re-run
	for i := 0; i < 4; i++ {
		server.performReconcile(context.Background())
	}

	close(gitClient.proceed)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconcile did not finish")
	}

	// One blocked call plus exactly one queued re-run
	if got := gitClient.callCount(); got != 2 {
		t.Errorf("expected 2 checkouts (initial + one pending), got %d", got)
	}
}
