package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

func quietLogger(t *testing.T) {
	t.Helper()
	prev := newLogger
	newLogger = func(bool) (*zap.Logger, error) { return zap.NewNop(), nil }
	t.Cleanup(func() { newLogger = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScanCommandPrintsResult(t *testing.T) {
	quietLogger(t)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<html><body>
<div class="product"><a href="/p/1"><h2 class="product-title">Glock 19 Gen 5</h2></a><span class="price">$549.99</span></div>
</body></html>`)
	}))
	t.Cleanup(site.Close)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("scrape:\n  pre_request_delay: 0s\n"), 0o600))

	out, err := execute(t, "--config", cfgPath, "scan", "--url", site.URL+"/search?q=glock", "--keyword", "glock", "--fast")
	require.NoError(t, err)

	var result crawler.ScrapeResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotEmpty(t, result.ContentHash)
	require.Equal(t, "generic", result.AdapterUsed)
}

func TestScanCommandRequiresFlags(t *testing.T) {
	quietLogger(t)

	_, err := execute(t, "scan", "--keyword", "glock")
	require.ErrorContains(t, err, "--url is required")

	_, err = execute(t, "scan", "--url", "https://example.com")
	require.ErrorContains(t, err, "--keyword is required")
}

func TestRootCommandConfigError(t *testing.T) {
	quietLogger(t)

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "scan", "--url", "x", "--keyword", "y")
	require.ErrorContains(t, err, "load config")
}

func TestServeCommandValidatesConfig(t *testing.T) {
	quietLogger(t)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("worker:\n  concurrency: 0\n"), 0o600))

	_, err := execute(t, "--config", cfgPath, "serve")
	require.ErrorContains(t, err, "invalid config")
}

func TestResolveRuntimeMissing(t *testing.T) {
	t.Parallel()

	_, err := resolveRuntime(t.Context())
	require.Error(t, err)
}
