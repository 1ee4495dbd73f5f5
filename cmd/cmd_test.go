package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patterndb/core"
)

const cliDB = `
version: 6
class_levels:
  violation: warning
rulesets:
  - id: sshd
    programs: [sshd]
    rules:
      - id: ssh-fail
        class: violation
        patterns: ["Failed password for @STRING:user@ from @IPv4:ip@"]
        tags: [auth]
        examples:
          - message: "Failed password for root from 10.0.0.1"
            values:
              user: root
              ip: 10.0.0.1
  - id: login
    rules:
      - id: login-failed
        class: violation
        patterns: ["login failed for @STRING:user@"]
        context:
          key: "$user"
          scope: global
          timeout: 60s
        actions:
          - trigger: timeout
            having: "context_length >= 3"
            message:
              program: patterndb
              message: "$(context_length) failed logins for ${user}"
        examples:
          - message: "login failed for bob"
            values:
              user: alice
`

func setupCLI(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	t.Chdir(dir)
	db := filepath.Join(dir, "patterndb.yaml")
	require.NoError(t, os.WriteFile(db, []byte(cliDB), 0o644))
	return db
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--no-color"))
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCmd()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "process", "match", "test", "dump"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	for _, flag := range []string{"config", "database", "json", "no-color", "quiet", "verbose"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestMatchCommand(t *testing.T) {
	db := setupCLI(t)

	out, err := run(t, "", "match", "--database", db, "-p", "sshd", "Failed password for root from 10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "Matched rule ssh-fail")
	assert.Contains(t, out, "class: violation")
	assert.Contains(t, out, "user = root")
	assert.Contains(t, out, "ip = 10.0.0.1")
	assert.NotContains(t, out, ".classifier.")

	out, err = run(t, "", "match", "--database", db, "--json", "login", "failed", "for", "carol")
	require.NoError(t, err)
	var m matchOutput
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.True(t, m.Matched)
	assert.Equal(t, "login-failed", m.RuleID)
	assert.Equal(t, "carol", m.Fields["user"])

	out, err = run(t, "", "match", "--database", db, "nothing like it")
	require.NoError(t, err)
	assert.Contains(t, out, "No rule matched")
	assert.Contains(t, out, core.ClassUnknown)
}

func TestMatchCommand_MissingDatabase(t *testing.T) {
	setupCLI(t)
	_, err := run(t, "", "match", "--database", "nope.yaml", "x")
	assert.ErrorContains(t, err, "failed to load rule database")
}

func TestTestCommand(t *testing.T) {
	db := setupCLI(t)

	out, err := run(t, "", "test", "--database", db, "--show-passed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 examples failed")
	assert.Contains(t, out, "PASS ssh-fail #0")
	assert.Contains(t, out, "FAIL login-failed #0")
	assert.Contains(t, out, `value user = "bob", want "alice"`)
	assert.Contains(t, out, "2 examples, 1 failed")
}

func TestDumpCommand(t *testing.T) {
	db := setupCLI(t)

	out, err := run(t, "", "dump", "--database", db)
	require.NoError(t, err)
	assert.Contains(t, out, "# generation 1, version 6, 2 rules")
	assert.Contains(t, out, "program sshd")
	assert.Contains(t, out, "program *")

	out, err = run(t, "", "dump", "--database", db, "--quiet", "ss")
	require.NoError(t, err)
	assert.Contains(t, out, "program sshd")
	assert.NotContains(t, out, "program *")
	assert.NotContains(t, out, "# generation")
}

func TestProcessCommand(t *testing.T) {
	db := setupCLI(t)
	input := strings.Join([]string{
		"<38>1 2024-03-01T12:00:00Z gw login - - - login failed for bob",
		"<38>1 2024-03-01T12:00:10Z gw login - - - login failed for bob",
		"<38>1 2024-03-01T12:00:20Z gw login - - - login failed for bob",
		"<38>1 2024-03-01T12:00:30Z gw sshd - - - Failed password for root from 10.0.0.1",
	}, "\n")
	logFile := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(logFile, []byte(input), 0o644))

	out, err := run(t, "", "process", "--database", db, logFile)
	require.NoError(t, err)

	var records []core.Record
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var rec core.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 5)
	syn := records[4]
	assert.True(t, syn.IsSynthetic())
	assert.Equal(t, "3 failed logins for bob", syn.Message())
	assert.Equal(t, "2024-03-01T12:01:20Z", syn.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	assert.Equal(t, "root", records[3].Value("user"))
}

func TestProcessCommand_StdinNoFlush(t *testing.T) {
	db := setupCLI(t)
	input := "<38>1 2024-03-01T12:00:00Z gw login - - - login failed for bob\n"

	out, err := run(t, input, "process", "--database", db, "--no-flush", "--quiet")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 1)
}

func TestProcessCommand_BadFormat(t *testing.T) {
	db := setupCLI(t)
	_, err := run(t, "", "process", "--database", db, "--format", "cef")
	assert.Error(t, err)
}
