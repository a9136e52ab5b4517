package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/multicap/internal/catalog"
	"github.com/cjeanneret/multicap/internal/config"
	"github.com/cjeanneret/multicap/internal/logic/capture"
	"github.com/cjeanneret/multicap/internal/web"
)

const testConfig = `session:
  num_images: 2
  exp_time: 0.001
  gain: 1.5
  trigger_mode: software
  output_directory: %OUT%
  filename_prefix: run
  stim_run: "1"
  file_format: tif
  retrieve_timeout_ms: 500
cameras:
  mock: true
  mock_count: 2
  width: 16
  height: 8
  pixel_format: mono8
  frame_interval_ms: 1
catalog:
  path: %DB%
defaults:
  debug_level: 0
  mock_gpio: true
`

// writeTestConfig writes a config under dir/configs and returns its path and output directory.
func writeTestConfig(t *testing.T) (cfgPath, outDir, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	outDir = filepath.Join(dir, "images")
	dbPath = filepath.Join(dir, "sessions.db")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	cfgPath = filepath.Join(dir, "configs", "test.yaml")
	body := strings.NewReplacer("%OUT%", outDir, "%DB%", dbPath).Replace(testConfig)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, outDir, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// ---------- overrides ----------

func TestOverridesFrom_NothingSet(t *testing.T) {
	o := overridesFrom(viper.New())
	assert.Equal(t, config.Overrides{}, o)
}

func TestOverridesFrom_ExplicitValues(t *testing.T) {
	v := viper.New()
	v.Set(flagNumImages, 25)
	v.Set(flagGain, 0.0)
	v.Set(flagTriggerMode, "hardware")

	o := overridesFrom(v)
	require.NotNil(t, o.NumImages)
	assert.Equal(t, 25, *o.NumImages)
	require.NotNil(t, o.Gain)
	assert.Equal(t, 0.0, *o.Gain)
	require.NotNil(t, o.TriggerMode)
	assert.Equal(t, "hardware", *o.TriggerMode)
	assert.Nil(t, o.ExpTime)
	assert.Nil(t, o.StimRun)
}

func TestOverridesFrom_Environment(t *testing.T) {
	t.Setenv("MULTICAP_STIM_RUN", "7")
	t.Setenv("MULTICAP_EXP_TIME", "0.25")
	v := viper.New()
	v.SetEnvPrefix("MULTICAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	o := overridesFrom(v)
	require.NotNil(t, o.StimRun)
	assert.Equal(t, "7", *o.StimRun)
	require.NotNil(t, o.ExpTime)
	assert.Equal(t, 0.25, *o.ExpTime)
	assert.Nil(t, o.NumImages)
}

func TestToConfigOverrides(t *testing.T) {
	n, run := 4, "9"
	o := toConfigOverrides(web.Overrides{NumImages: &n, StimRun: &run})
	assert.Equal(t, &n, o.NumImages)
	assert.Equal(t, &run, o.StimRun)
	assert.Nil(t, o.OutputDirectory)
}

func TestFormDefaults(t *testing.T) {
	cfgPath, outDir, _ := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	fc := formDefaults(cfg)
	assert.Equal(t, 2, fc.NumImages)
	assert.Equal(t, 1.5, fc.Gain)
	assert.Equal(t, "software", fc.TriggerMode)
	assert.Equal(t, 2, fc.Cameras)
	assert.Equal(t, outDir, fc.OutputDirectory)
}

// ---------- commands ----------

func TestCapture_EndToEnd(t *testing.T) {
	cfgPath, outDir, dbPath := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "--num-images", "3", "--stim-run", "4")
	require.NoError(t, err, out)
	assert.Contains(t, out, "total: requested 6, captured 6, persisted 6")

	cat, err := catalog.Open(dbPath)
	require.NoError(t, err)
	defer cat.Close()
	recs, err := cat.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Result)
	assert.Equal(t, 6, recs[0].Persisted)
	assert.Len(t, recs[0].Devices, 2)

	sessDir := recs[0].OutputDir
	assert.Equal(t, filepath.Join(outDir, "run4_"+recs[0].SessionID), sessDir)
	for seq := 1; seq <= 3; seq++ {
		for dev := 0; dev < 2; dev++ {
			assert.FileExists(t, filepath.Join(sessDir, capture.FrameName(seq, dev, "tif")))
		}
	}
	assert.FileExists(t, filepath.Join(sessDir, "run4_t0.txt"))
	assert.FileExists(t, filepath.Join(sessDir, "run4_t1.txt"))
	assert.FileExists(t, filepath.Join(sessDir, "run4_diff_times.txt"))
}

func TestRunSession_RepeatedSessions(t *testing.T) {
	cfgPath, outDir, _ := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	a, err := newApp(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	// Same stim_run twice, as repeated web runs do.
	var dirs []string
	for run := 0; run < 2; run++ {
		sum, err := a.RunSession(context.Background(), config.Overrides{})
		require.NoError(t, err, "run %d", run)
		assert.Equal(t, "ok", sum.Result(), "run %d", run)
		tot := sum.Totals()
		assert.Equal(t, 4, tot.Captured, "run %d", run)
		assert.Equal(t, 4, tot.Persisted, "run %d", run)
		assert.Zero(t, tot.Dropped, "run %d", run)

		dir := sessionDir(outDir, "run1", sum.ID)
		dirs = append(dirs, dir)
		for dev := 0; dev < 2; dev++ {
			data, err := os.ReadFile(filepath.Join(dir, capture.TimingLogName("run1", dev)))
			require.NoError(t, err)
			assert.Equal(t, 2, strings.Count(string(data), ",\n"), "run %d camera %d", run, dev)
		}
	}
	assert.NotEqual(t, dirs[0], dirs[1])
}

func TestCapture_InvalidOverride(t *testing.T) {
	cfgPath, _, _ := writeTestConfig(t)
	_, err := execute(t, "--config", cfgPath, "--trigger-mode", "external")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid override")
}

func TestCapture_ConfigOutsideConfigsDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: {}\n"), 0o644))
	_, err := execute(t, "--config", path)
	require.Error(t, err)
}

func TestDevices_ListsSimulatedCameras(t *testing.T) {
	cfgPath, _, _ := writeTestConfig(t)
	out, err := execute(t, "devices", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "0\tSIM0000")
	assert.Contains(t, out, "1\tSIM0001")
}

func TestNewCameraSystem_RequiresMock(t *testing.T) {
	cfgPath, _, _ := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	cfg.Cameras.Mock = false
	_, err = newCameraSystem(cfg)
	assert.Error(t, err)
}
