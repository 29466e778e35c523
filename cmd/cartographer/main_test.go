package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/config"
	"github.com/msakrejda/cartographer/intake"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/viewer"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cartographer version "+Version)
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cartographer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
proxy:
  target: db:5432
nats:
  token: hunter2
`), 0o600))

	out, err := execute(t, "", "validate", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "db:5432", cfg.Proxy.Target)
	assert.Equal(t, "****", cfg.NATS.Token)
}

func TestValidateCommand_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cartographer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"viewer": {"policy": "sometimes"}}`), 0o600))

	_, err := execute(t, "", "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown policy")
}

func TestSetupLogger(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	assert.Equal(t, 3*time.Second, getEnvDuration("CARTOGRAPHER_TEST_UNSET_DURATION", 3*time.Second))
	t.Setenv("CARTOGRAPHER_TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, getEnvDuration("CARTOGRAPHER_TEST_DURATION", time.Second))
	t.Setenv("CARTOGRAPHER_TEST_BOOL", "true")
	assert.True(t, getEnvBool("CARTOGRAPHER_TEST_BOOL", false))

	var buf bytes.Buffer
	setupLogger(&buf, "warn", "json").Info("hidden")
	setupLogger(&buf, "warn", "json").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"cartographer"`)

	buf.Reset()
	setupLogger(&buf, "info", "tint").Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestRunViewer_ConsoleQuit(t *testing.T) {
	transport := intake.NewMemoryTransport()
	v, err := viewer.New(transport, viewer.WithSurface(renderer.NewMemorySurface()))
	require.NoError(t, err)

	var out bytes.Buffer
	console := viewer.NewConsole(v, strings.NewReader("status\nquit\n"), &out)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	done := make(chan error, 1)
	go func() { done <- runViewer(context.Background(), v, console, logger, time.Second) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("viewer did not stop after quit")
	}
	assert.Contains(t, out.String(), "upstream:")
}
