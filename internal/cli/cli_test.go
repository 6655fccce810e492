package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/internal/logging"
	"github.com/ChuLiYu/rtkernel/internal/procinfo"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "rtkernel", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["ps"], "Should have 'ps' command")
	assert.True(t, commandNames["config"], "Should have 'config' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
	for _, name := range []string{"mode", "duration", "metrics", "procinfo", "dump"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestBuildPsCommand(t *testing.T) {
	cmd := buildPsCommand()

	assert.Equal(t, "ps", cmd.Use)
	addr := cmd.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, config.Default().ProcInfo.Addr, addr.DefValue)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtkernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
kernel:
  priority_levels: 5
  tick_hz: 500
dispatch:
  mode: dynamic
  max_workers: 3
metrics:
  enabled: true
  port: 8080
workload:
  duration: 2s
  tasks:
    - name: sensor
      kind: io
      priority: 2
      stack_bytes: 512
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Kernel.PriorityLevels)
	assert.Equal(t, 500, cfg.Kernel.TickHz)
	assert.Equal(t, config.ModeDynamic, cfg.Dispatch.Mode)
	assert.Equal(t, 3, cfg.Dispatch.MaxWorkers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, 2*time.Second, cfg.Workload.Duration)
	require.Len(t, cfg.Workload.Tasks, 1)
	assert.Equal(t, "io", cfg.Workload.Tasks[0].Kind)

	// unset keys keep their defaults
	assert.Equal(t, config.Default().Dispatch.WorkerStackBytes, cfg.Dispatch.WorkerStackBytes)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
kernel:
  priority_levels: "not a number"
  invalid yaml structure
    broken indentation
`)
	_, err := loadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFileMeansDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestApplyOverrides(t *testing.T) {
	cmd := buildRunCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--mode", "flat", "--duration", "3s", "--procinfo"}))

	cfg := config.Default()
	require.NoError(t, applyOverrides(&cfg, cmd, runOptions{mode: "flat", duration: 3 * time.Second, procinfo: true}))
	assert.Equal(t, config.ModeFlat, cfg.Dispatch.Mode)
	assert.Equal(t, 3*time.Second, cfg.Workload.Duration)
	assert.True(t, cfg.ProcInfo.Enabled)
	assert.False(t, cfg.Metrics.Enabled, "unset flags leave the config alone")
}

func TestApplyOverridesRejectsUnknownMode(t *testing.T) {
	cmd := buildRunCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--mode", "lottery"}))

	cfg := config.Default()
	err := applyOverrides(&cfg, cmd, runOptions{mode: "lottery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestShowConfigPrintsYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, showConfig(&buf, writeConfig(t, "dispatch:\n  mode: flat\n")))

	var got config.Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, config.ModeFlat, got.Dispatch.Mode)
	assert.Equal(t, config.Default().Kernel, got.Kernel)
}

func TestRunSystemPrintsSummary(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Workload.Duration = 30 * time.Millisecond
	cfg.Workload.Tasks = []config.TaskSpec{
		{Name: "net", Kind: "io", Priority: 1, StackBytes: 512, OpTicks: 1},
	}

	dump := filepath.Join(t.TempDir(), "final.json")
	var out, logs bytes.Buffer
	require.NoError(t, runSystem(context.Background(), cfg, dump, &out, &logs))

	s := out.String()
	assert.Contains(t, s, "requests:")
	assert.Contains(t, s, "pool fixed:")
	assert.Contains(t, s, "HANDLE")
	assert.Contains(t, s, "net")

	r, err := procinfo.NewDump(dump).Load()
	require.NoError(t, err)
	_, ok := r.Find("net")
	assert.True(t, ok)

	var table bytes.Buffer
	require.NoError(t, printReport(&table, r, true, false))
	assert.Contains(t, table.String(), "HANDLE")
}

func TestShowTasksOverGRPC(t *testing.T) {
	snap := kernel.Snapshot{
		BootID: "boot",
		Mode:   "dynamic",
		Tick:   12,
		Tasks: []kernel.TaskInfo{{
			Handle: types.Handle{Index: 1, Gen: 1}, Name: "sensor", Kind: types.KindUser,
			State: types.StateReady, Priority: 1, Base: 1, StackSize: 512,
		}},
	}
	srv := procinfo.NewServer(func() kernel.Snapshot { return snap }, logging.Discard())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	var buf bytes.Buffer
	require.NoError(t, showTasks(context.Background(), &buf, lis.Addr().String(), 5*time.Second, true, false))
	assert.Contains(t, buf.String(), "mode dynamic")
	assert.Contains(t, buf.String(), "sensor")

	buf.Reset()
	require.NoError(t, showTasks(context.Background(), &buf, lis.Addr().String(), 5*time.Second, true, true))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
	assert.Contains(t, buf.String(), `"boot_id": "boot"`)
}
