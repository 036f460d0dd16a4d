package command

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdtpartners/imagematrix/pkg/catalog/catalogtest"
	"github.com/pdtpartners/imagematrix/pkg/matrix"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v2"
)

const descriptors = `
[[variant]]
id = "py3.9-alpine"
build-base = "python:3.9-alpine"
runtime-base = "alpine:3.18"
interpreter-version = "3.9"
native-packages = [{ name = "gcc" }, { name = "musl-dev" }, { name = "openssl-dev" }]
toolchain-packages = [{ name = "setuptools", version = "68.2.2" }, { name = "requests", version = "2.31.0" }]
ecosystem-packages = [{ name = "app", version = "2.x" }]
application = "app"
entrypoint-script = "docker-entrypoint.sh"

[[variant]]
id = "py3.9-alpine-nossl"
build-base = "python:3.9-alpine"
runtime-base = "alpine:3.18"
interpreter-version = "3.9"
native-packages = [{ name = "gcc" }]
ecosystem-packages = [{ name = "app", version = "2.x" }]
application = "app"
entrypoint-script = "docker-entrypoint.sh"
`

type run struct {
	out  bytes.Buffer
	code int
	err  error
}

func runApp(t *testing.T, args ...string) *run {
	t.Helper()
	dir := t.TempDir()
	docPath := filepath.Join(dir, "variants.toml")
	require.NoError(t, os.WriteFile(docPath, []byte(descriptors), 0o644))

	r := &run{}
	app := NewApp(context.Background())
	app.Writer = &r.out
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if ec, ok := err.(cli.ExitCoder); ok {
			r.code = ec.ExitCode()
		}
	}

	argv := []string{
		"imagematrix",
		"--config", filepath.Join(dir, "missing.toml"),
		"--backend", "catalog",
		"--catalog", catalogtest.WriteCatalog(t),
		"--context", catalogtest.WriteContext(t),
		"--log-level", "error",
	}
	argv = append(argv, args...)
	argv = append(argv, docPath)
	r.err = app.Run(argv)
	return r
}

func TestValidateCommand(t *testing.T) {
	r := runApp(t, "validate")
	require.NoError(t, r.err)
	require.Equal(t, 0, r.code)
	require.Contains(t, r.out.String(), "OK      py3.9-alpine (python:3.9-alpine -> alpine:3.18)")
}

func TestPlanCommand(t *testing.T) {
	r := runApp(t, "plan")
	require.Error(t, r.err)
	require.Equal(t, 1, r.code)

	var summary []matrix.Entry
	require.NoError(t, json.Unmarshal(r.out.Bytes(), &summary))
	require.Len(t, summary, 2)
	require.Equal(t, "ok", summary[0].Status)
	require.Equal(t, "failed", summary[1].Status)
	require.Contains(t, summary[1].Error, "libssl.so.3")
}

func TestConfigureLogging(t *testing.T) {
	require.NoError(t, configureLogging("debug", "json"))
	require.NoError(t, configureLogging("info", "text"))
	require.Error(t, configureLogging("loud", "text"))
	require.Error(t, configureLogging("info", "xml"))
}
