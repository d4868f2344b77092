package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/afkeeper/internal/config"
	"github.com/cory-johannsen/afkeeper/internal/hub"
	"github.com/cory-johannsen/afkeeper/internal/session"
	"github.com/cory-johannsen/afkeeper/internal/testutil"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "afkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHashToken_PrintsVerifiableHash(t *testing.T) {
	out, err := executeCLI(t, "hash-token", "open-sesame")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(hash, "$2"))
	assert.True(t, hub.CheckToken("open-sesame", hash))
}

func TestHashToken_RequiresOneArgument(t *testing.T) {
	_, err := executeCLI(t, "hash-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestMigrate_RejectsInvalidDirection(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")
	_, err := executeCLI(t, "migrate", "--config", path, "--direction", "sideways")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid direction")
}

func TestMigrate_MissingConfig(t *testing.T) {
	_, err := executeCLI(t, "migrate", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestPrune_RejectsNegativeKeep(t *testing.T) {
	_, err := executeCLI(t, "prune", "--keep=-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--keep must be >= 0")
}

func TestServe_InvalidConfigFails(t *testing.T) {
	path := writeConfig(t, "sessions:\n  - id: 0\n")
	_, err := executeCLI(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions id must be >= 1")
}

func TestInitializeApp_AutostartLogsIn(t *testing.T) {
	srv := testutil.NewGameServer(t)
	path := writeConfig(t, fmt.Sprintf(`
target:
  host: %s
  port: %d
sessions:
  - id: 1
    identity: miner@example.net
    autostart: true
  - id: 2
telnet:
  login_prompt: '^login:'
  spawn_pattern: '^Welcome, (?P<name>\w+)!'
`, srv.Host(), srv.Port()))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	app, cleanup, err := initializeApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(cleanup)
	t.Cleanup(app.sessions.Shutdown)
	assert.Nil(t, app.pool)
	assert.Nil(t, app.journal)

	app.autostart()

	conn := srv.Accept(2 * time.Second)
	conn.Prompt("login: ")
	conn.ReadUntil("miner@example.net", 2*time.Second)
	conn.Send("Welcome, Miner!")

	require.Eventually(t, func() bool {
		for _, s := range app.sessions.Summaries() {
			if s.ID == 1 {
				return s.State == session.StateSpawned && s.Username == "Miner"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	summaries := app.sessions.Summaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, session.StateIdle, summaries[1].State)
}
