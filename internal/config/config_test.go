package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_FromRepoRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/test\n")
	writeFile(t, filepath.Join(dir, ".rerun"), "version: 1\ntimeout: 10m\n")

	res, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, res.RepoRoot)
	assert.Equal(t, 1, res.Config.Version)
	assert.Equal(t, 10*time.Minute, res.Config.Timeout())
	assert.Equal(t, filepath.Join(dir, ".rerun"), res.Path)
}

func TestLoad_FromSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/test\n")
	writeFile(t, filepath.Join(root, ".rerun"), "version: 2\n")

	sub := filepath.Join(root, "pkg", "foo")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	res, err := Load(sub)
	require.NoError(t, err)
	assert.Equal(t, root, res.RepoRoot)
	assert.Equal(t, 2, res.Config.Version)
}

func TestLoad_NoGoMod(t *testing.T) {
	dir := t.TempDir()

	res, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, res.RepoRoot, "fallback to workspace")
	assert.Empty(t, res.Config.RawTimeout)
	assert.Empty(t, res.Path)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/test\n")
	writeFile(t, filepath.Join(dir, ".rerun"), "steps: [lint\n")

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
}

func TestLoad_RejectsUnknownReporter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/test\n")
	writeFile(t, filepath.Join(dir, ".rerun"), "test:\n  reporter: dots\n")

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dots")
}

func TestLoad_MultitestSection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/test\n")
	writeFile(t, filepath.Join(dir, ".rerun"), `
multitest:
  count: 0
  heartbeat: 250ms
  command: [go, test, ./...]
  allow_failures: true
history:
  path: /var/tmp/rerun.db
`)

	res, err := Load(dir)
	require.NoError(t, err)
	cfg := res.Config
	assert.Equal(t, 0, cfg.MultitestCount(), "explicit zero count is honoured")
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval())
	assert.Equal(t, []string{"go", "test", "./..."}, cfg.Multitest.Command)
	assert.True(t, cfg.Multitest.AllowFailures)
	assert.Equal(t, "/var/tmp/rerun.db", cfg.HistoryPath(dir))
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultTimeout, cfg.Timeout())
	assert.Equal(t, DefaultMaxOutput, cfg.MaxOutputBytes())
	assert.Equal(t, []string{"lint", "test"}, cfg.VerifySteps())
	assert.Equal(t, []string{"./..."}, cfg.TestPackages())
	assert.Equal(t, ReporterSummary, cfg.Reporter())
	assert.Equal(t, ColorAuto, cfg.ColorMode())
	assert.Equal(t, 100, cfg.MultitestCount())
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval())
	assert.Equal(t, filepath.Join("/repo", ".cache", "rerun", "history.db"), cfg.HistoryPath("/repo"))
	assert.NoError(t, cfg.Validate())
}

func TestInvalidDurationsFallBack(t *testing.T) {
	cfg := &Config{RawTimeout: "soon", Multitest: MultitestConfig{RawHeartbeat: "-1s"}}
	assert.Equal(t, DefaultTimeout, cfg.Timeout())
	assert.Equal(t, DefaultHeartbeat, cfg.HeartbeatInterval())
}

func TestValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative count", Config{Multitest: MultitestConfig{Count: &neg}}, "must not be negative"},
		{"bad colour", Config{Test: TestConfig{Color: "rainbow"}}, "rainbow"},
		{"unknown step", Config{Steps: []string{"test", "build"}}, `unknown step "build"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	cfg := &Config{History: HistoryConfig{Disabled: true}}
	assert.Empty(t, cfg.HistoryPath("/repo"))
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/test\n")
	custom := filepath.Join(dir, "ci.yaml")
	writeFile(t, custom, "steps: [vet, test]\n")

	res, err := LoadPath(dir, custom)
	require.NoError(t, err)
	assert.Equal(t, dir, res.RepoRoot)
	assert.Equal(t, []string{"vet", "test"}, res.Config.VerifySteps())

	_, err = LoadPath(dir, filepath.Join(dir, "missing.yaml"))
	require.Error(t, err, "an explicit config file must exist")

	res, err = LoadPath(dir, "")
	require.NoError(t, err)
	assert.Empty(t, res.Path)
}

func TestMultitestLockPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/repo", ".cache", "rerun", "multitest.lock"), MultitestLockPath("/repo"))
}
