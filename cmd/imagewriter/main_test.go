package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/imagewriter/config"
	"github.com/guseggert/imagewriter/internal/exitcode"
	"github.com/guseggert/imagewriter/protocol"
	"github.com/guseggert/imagewriter/task"
	"github.com/guseggert/imagewriter/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// captureConfig runs the write command's flag parsing and returns the resulting config.
func captureConfig(t *testing.T, args ...string) config.Config {
	var cfg config.Config
	cmd := writeCommand()
	cmd.Action = func(c *cli.Context) error {
		var err error
		cfg, err = writeConfig(c)
		return err
	}
	app := newApp()
	app.Commands = []*cli.Command{cmd}
	require.NoError(t, app.Run(append([]string{"imagewriter", "write"}, args...)))
	return cfg
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagewriter.toml")
	contents := `
server_id = "etcher"
unmount = true
validate = true

[timeouts]
connect = "3s"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg := captureConfig(t,
		"--config", path,
		"--image", "disk.img",
		"--device", "/dev/sdx",
		"--validate=false",
		"--socket-root", "/run/imagewriter",
	)
	assert.Equal(t, "disk.img", cfg.TargetArtifact)
	assert.Equal(t, "/dev/sdx", cfg.Destination)
	assert.Equal(t, "etcher", cfg.ServerID)
	assert.Equal(t, "/run/imagewriter", cfg.SocketRoot)
	assert.True(t, cfg.UnmountOnSuccess)
	assert.False(t, cfg.ValidateOnSuccess)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Connect.D())
	assert.NotEmpty(t, cfg.ChannelID)
	assert.NoError(t, cfg.Validate())
}

func TestWriteConfigDefaults(t *testing.T) {
	cfg := captureConfig(t, "--image", "disk.img", "--device", "/dev/sdx")
	def := config.Default()
	assert.Equal(t, def.ServerID, cfg.ServerID)
	assert.Equal(t, def.SocketRoot, cfg.SocketRoot)
	assert.False(t, cfg.UnmountOnSuccess)
	assert.False(t, cfg.ValidateOnSuccess)
}

func TestChildWithoutEnvironment(t *testing.T) {
	for _, k := range []string{config.EnvChannelID, config.EnvServerID, config.EnvImage, config.EnvDevice} {
		t.Setenv(k, "")
	}

	app := newApp()
	var exitErr error
	app.ExitErrHandler = func(c *cli.Context, err error) { exitErr = err }
	err := app.Run([]string{"imagewriter", "--log-level", "error", "child"})
	require.Error(t, err)

	coder, ok := exitErr.(cli.ExitCoder)
	require.True(t, ok)
	assert.Equal(t, exitcode.GeneralError, coder.ExitCode())
	assert.ErrorContains(t, err, config.ErrInvalid.Error())
}

const (
	helperEnv       = "IMAGEWRITER_TEST_HELPER"
	helperWorkerEnv = "IMAGEWRITER_TEST_WORKER"
	helperBinEnv    = "IMAGEWRITER_TEST_BIN"
)

// workerScript stands in for the worker executable. It runs the test binary in the mode named by
// IMAGEWRITER_TEST_WORKER, passing along the arguments the write command gives its worker.
const workerScript = `#!/bin/sh
IMAGEWRITER_TEST_HELPER="$IMAGEWRITER_TEST_WORKER" exec "$IMAGEWRITER_TEST_BIN" -test.run=TestHelperProcess -- "$@"
`

// TestHelperProcess is not a real test. In "cli" mode it runs the imagewriter command line with the arguments
// after "--"; the other modes are scripted workers.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	switch mode {
	case "cli":
		os.Args = append([]string{"imagewriter"}, args...)
		main()
	case "exit":
		os.Exit(0)
	case "killed":
		cfg, err := config.FromEnv(os.LookupEnv)
		if err != nil {
			os.Exit(exitcode.GeneralError)
		}
		_ = worker.Run(context.Background(), cfg, task.DelegateFunc(func(ctx context.Context, p task.Params, progress task.ProgressFunc) (protocol.Result, error) {
			progress(protocol.ProgressState{Phase: protocol.PhaseWriting, Percent: 10})
			time.Sleep(200 * time.Millisecond)
			_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
			time.Sleep(time.Minute)
			return protocol.Result{}, nil
		}))
	case "validation-error":
		cfg, err := config.FromEnv(os.LookupEnv)
		if err != nil {
			os.Exit(exitcode.GeneralError)
		}
		err = worker.Run(context.Background(), cfg, task.DelegateFunc(func(ctx context.Context, p task.Params, progress task.ProgressFunc) (protocol.Result, error) {
			return protocol.Result{}, &protocol.TaskError{Kind: protocol.TaskErrorValidation, Message: "checksum mismatch"}
		}))
		os.Exit(exitcode.FromError(err))
	}
	os.Exit(0)
}

type writeRun struct {
	exitCode int
	stdout   string
	stderr   string
}

// runWrite runs "imagewriter write" in a separate process, with workers in the given mode.
func runWrite(t *testing.T, workerMode string, args ...string) writeRun {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte(workerScript), 0o700))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cmdArgs := []string{"-test.run=TestHelperProcess", "--", "--log-level", "debug", "write", "--worker", script, "--socket-root", dir}
	cmd := exec.CommandContext(ctx, os.Args[0], append(cmdArgs, args...)...)
	cmd.Env = append(os.Environ(),
		helperEnv+"=cli",
		helperWorkerEnv+"="+workerMode,
		helperBinEnv+"="+os.Args[0],
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	run := writeRun{}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		run.exitCode = exitErr.ExitCode()
	} else {
		require.NoError(t, err)
	}
	run.stdout = stdout.String()
	run.stderr = stderr.String()
	t.Logf("stdout:\n%s\nstderr:\n%s", run.stdout, run.stderr)
	return run
}

func TestWriteImage(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")
	device := filepath.Join(dir, "sdx")
	contents := make([]byte, 256*1024)
	_, err := rand.Read(contents)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(image, contents, 0o600))
	require.NoError(t, os.WriteFile(device, nil, 0o600))

	run := runWrite(t, "cli", "--image", image, "--device", device, "--validate")
	require.Equal(t, exitcode.Success, run.exitCode)
	assert.Contains(t, run.stdout, "wrote 262144 bytes to "+device)
	assert.Contains(t, run.stdout, "validated")

	written, err := os.ReadFile(device)
	require.NoError(t, err)
	assert.Equal(t, contents, written)
}

func TestWriteWorkerKilled(t *testing.T) {
	run := runWrite(t, "killed", "--image", "disk.img", "--device", "/dev/sdx")
	assert.Equal(t, exitcode.GeneralError, run.exitCode)
	assert.Contains(t, run.stdout, "10.0%")
	assert.Contains(t, run.stderr, "lost the worker")
}

func TestWriteWorkerNeverConnects(t *testing.T) {
	run := runWrite(t, "exit", "--image", "disk.img", "--device", "/dev/sdx")
	assert.Equal(t, exitcode.GeneralError, run.exitCode)
	assert.Contains(t, run.stderr, "lost the worker")
}

func TestWriteValidationError(t *testing.T) {
	run := runWrite(t, "validation-error", "--image", "disk.img", "--device", "/dev/sdx")
	assert.Equal(t, exitcode.ValidationError, run.exitCode)
	assert.Contains(t, run.stderr, "checksum mismatch")
	assert.NotContains(t, run.stderr, "lost the worker")
}
