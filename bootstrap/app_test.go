package bootstrap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patterndb/core"
)

const syslogInput = `<38>Mar  1 12:00:00 gw login[1]: login failed for bob
<38>Mar  1 12:00:01 gw login[1]: login failed for bob
<38>Mar  1 12:00:02 gw cron[7]: job done
`

type appFiles struct {
	dir    string
	db     string
	input  string
	output string
	config string
}

func writeAppFiles(t *testing.T, inputPath, outputPath string) appFiles {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	f := appFiles{
		dir:    dir,
		db:     filepath.Join(dir, "patterndb.yaml"),
		input:  inputPath,
		output: outputPath,
		config: filepath.Join(dir, "config.yaml"),
	}
	if f.input == "" {
		f.input = filepath.Join(dir, "input.log")
		require.NoError(t, os.WriteFile(f.input, []byte(syslogInput), 0o644))
	}
	if f.output == "" {
		f.output = filepath.Join(dir, "out", "records.jsonl")
	}
	require.NoError(t, os.WriteFile(f.db, []byte(loginDB), 0o644))

	cfg := fmt.Sprintf(`
log:
  level: error
database:
  path: %q
engine:
  tick_interval: 20ms
input:
  path: %q
output:
  path: %q
api:
  enabled: false
`, f.db, f.input, f.output)
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o644))
	return f
}

func readRecords(t *testing.T, path string) []*core.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []*core.Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec core.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, &rec)
	}
	return out
}

func TestApp_ServeFromFile(t *testing.T) {
	f := writeAppFiles(t, "", "")
	ctx := context.Background()

	app, err := newApp(ctx, f.config, strings.NewReader(""), &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	require.Eventually(t, func() bool {
		return app.Pipeline.GetStats().Emitted == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, app.Engine.Store().Len(), "bob's context stays open while serving")

	select {
	case <-app.Done():
		t.Fatal("serve must keep running after the input ends")
	default:
	}
	app.Shutdown()
	assert.NoError(t, app.Err())
	assert.Equal(t, 0, app.Engine.Store().Len())

	records := readRecords(t, f.output)
	require.Len(t, records, 3)
	assert.Equal(t, "violation", records[0].Value(core.FieldClass))
	assert.Equal(t, "bob", records[0].Value("user"))
	assert.Equal(t, core.ClassUnknown, records[2].Value(core.FieldClass))
}

func TestApp_StdinStdout(t *testing.T) {
	f := writeAppFiles(t, "-", "-")
	ctx := context.Background()
	var out bytes.Buffer

	app, err := newApp(ctx, f.config, strings.NewReader(syslogInput), &out)
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	require.Eventually(t, func() bool {
		return app.Pipeline.GetStats().Emitted == 3
	}, 2*time.Second, 10*time.Millisecond)
	app.Shutdown()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "login failed for bob")
}

func TestApp_Reload(t *testing.T) {
	f := writeAppFiles(t, "", "")
	ctx := context.Background()

	app, err := newApp(ctx, f.config, strings.NewReader(""), &bytes.Buffer{})
	require.NoError(t, err)
	defer app.Shutdown()
	assert.EqualValues(t, 1, app.Engine.Matcher().Generation())

	require.NoError(t, app.Reload())
	assert.EqualValues(t, 2, app.Engine.Matcher().Generation())

	broken := strings.Replace(loginDB, "@STRING:user@", "@STRING:user", 1)
	require.NoError(t, os.WriteFile(f.db, []byte(broken), 0o644))
	assert.Error(t, app.Reload())
	assert.EqualValues(t, 2, app.Engine.Matcher().Generation(), "a failed reload keeps the active generation")
}

func TestNewApp_Errors(t *testing.T) {
	t.Run("missing config file", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()
		_, err := newApp(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), nil, nil)
		assert.Error(t, err)
	})

	t.Run("missing database", func(t *testing.T) {
		f := writeAppFiles(t, "", "")
		require.NoError(t, os.Remove(f.db))
		_, err := newApp(context.Background(), f.config, nil, nil)
		assert.ErrorContains(t, err, "failed to load rule database")
	})
}
