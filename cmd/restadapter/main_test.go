package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns captured output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		resetFlag(t, rootCmd.PersistentFlags().Lookup("config"))
		resetFlag(t, probeCmd.Flags().Lookup("timeout"))
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlag restores a flag so later commands fall back to the environment.
func resetFlag(t *testing.T, f *pflag.Flag) {
	t.Helper()
	require.NoError(t, f.Value.Set(f.DefValue))
	f.Changed = false
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func restService(t *testing.T) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/text":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("hi"))
		default:
			http.Error(w, "nope", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	host, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func serviceConfig(host string, port int, active bool) string {
	return `
active: ` + strconv.FormatBool(active) + `
broker:
  host: localhost
  port: 8080
services:
  - name: mock
    host: ` + host + `
    port: ` + strconv.Itoa(port) + `
    pollPeriod: 50
    topicPathRoot: mock
    endpoints:
      - name: data
        url: /json
        topicPath: data
        produces: json
      - name: greeting
        url: /text
        topicPath: greeting
        produces: string
      - name: broken
        url: /broken
        topicPath: broken
        produces: binary
`
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "restadapter dev")
	assert.Contains(t, out, "commit: none")
}

func TestValidate_ValidConfig(t *testing.T) {
	path := writeConfig(t, serviceConfig("localhost", 9000, true))

	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	for _, phrase := range []string{"Config is valid!", "Broker:    localhost:8080", "Services:  1", "Endpoints: 3"} {
		assert.Contains(t, out, phrase)
	}
}

func TestValidate_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: bad
    host: localhost
    port: 0
    topicPathRoot: bad
`)

	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Contains(t, err.Error(), "port must be between 1 and 65535")
}

func TestValidate_MissingConfig(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file is required")
}

func TestValidate_ConfigFromEnvironment(t *testing.T) {
	path := writeConfig(t, serviceConfig("localhost", 9000, true))
	t.Setenv("RESTADAPTER_CONFIG", path)

	out, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Config is valid!")
}

func TestProbe_ReportsInferredTypes(t *testing.T) {
	host, port := restService(t)
	path := writeConfig(t, serviceConfig(host, port, true))

	out, err := execute(t, "probe", "-c", path, "--timeout", "2s")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "INFERRED")
	assert.Regexp(t, `mock/data\s+http://.+/json\s+200\s+application/json\s+json\s+json`, lines[1])
	assert.Regexp(t, `mock/greeting\s+.+\s+200\s+text/plain; charset=utf-8\s+string\s+string`, lines[2])
	assert.Regexp(t, `mock/broken\s+.+error: .*500`, lines[3])
}

func TestServe_InactiveConfigStops(t *testing.T) {
	path := writeConfig(t, serviceConfig("localhost", 9000, false))
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NoError(t, flag.Value.Set(path))
	flag.Changed = true
	settings.Set("listen", "127.0.0.1:0")
	t.Cleanup(func() { resetFlag(t, flag) })

	done := make(chan error, 1)
	go func() { done <- serve(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return for an inactive config")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	host, port := restService(t)
	path := writeConfig(t, serviceConfig(host, port, true))
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NoError(t, flag.Value.Set(path))
	flag.Changed = true
	settings.Set("listen", "127.0.0.1:0")
	t.Cleanup(func() { resetFlag(t, flag) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
