package svc

import (
	"context"
	"errors"
	"testing"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfigDefaults(t *testing.T) {
	cfg := serviceConfig(Config{ConfigPath: "/etc/s3kv/custom.yaml"}, "linux")

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, DefaultDisplayName, cfg.DisplayName)
	assert.Equal(t, []string{"service", "run", "--config", "/etc/s3kv/custom.yaml"}, cfg.Arguments)
	assert.Contains(t, cfg.Dependencies, "After=network-online.target")
	assert.Equal(t, "on-failure", cfg.Option["Restart"])
}

func TestServiceConfigPlatforms(t *testing.T) {
	darwin := serviceConfig(Config{Name: "kv", UserName: "s3kv"}, "darwin")
	assert.Equal(t, "kv", darwin.Name)
	assert.Equal(t, "s3kv", darwin.UserName)
	assert.Equal(t, true, darwin.Option["KeepAlive"])

	windows := serviceConfig(Config{UserName: "ignored"}, "windows")
	assert.Empty(t, windows.UserName)
	assert.Equal(t, "restart", windows.Option["OnFailure"])
}

func TestProgramStartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/tmp/s3kv.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "/tmp/s3kv.yaml", <-started)
	assert.NoError(t, prg.Stop(nil))
}

func TestProgramStopReturnsRunError(t *testing.T) {
	boom := errors.New("bind failed")
	prg := &Program{Run: func(context.Context, string) error { return boom }}

	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgramRequiresRun(t *testing.T) {
	assert.Error(t, (&Program{}).Start(nil))
	assert.NoError(t, (&Program{}).Stop(nil))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestLogCommand(t *testing.T) {
	name, args, err := logCommand(LogOptions{Follow: true}, "linux")
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "s3kv", "-n", "50", "--no-pager", "-f"}, args)

	name, args, err = logCommand(LogOptions{ServiceName: "kv", Lines: 10}, "darwin")
	require.NoError(t, err)
	assert.Equal(t, "tail", name)
	assert.Equal(t, []string{"-n", "10", "/var/log/kv.err.log", "/var/log/kv.out.log"}, args)

	_, _, err = logCommand(LogOptions{}, "plan9")
	assert.Error(t, err)
}
