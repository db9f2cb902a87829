// Package svc installs and runs the s3kv server as a system service
// (systemd, launchd or the Windows Service Control Manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Defaults for the installed service.
const (
	DefaultName        = "s3kv"
	DefaultDisplayName = "s3kv Local S3 Server"
	DefaultDescription = "Filesystem-backed S3-compatible server for s3kv"
)

// RunFunc runs the server until ctx is canceled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches Run in a goroutine. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels Run and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string // passed to "s3kv service run --config"
	UserName    string // Linux/macOS only
}

// DefaultConfigPath returns the platform's conventional config file location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "s3kv", "s3kv.yaml")
	}
	return "/etc/s3kv/s3kv.yaml"
}

// withDefaults fills empty names and the config path.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.DisplayName == "" {
		c.DisplayName = DefaultDisplayName
	}
	if c.Description == "" {
		c.Description = DefaultDescription
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath()
	}
	return c
}

// serviceConfig builds the kardianos configuration for goos.
func serviceConfig(cfg Config, goos string) *service.Config {
	cfg = cfg.withDefaults()
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"service", "run", "--config", cfg.ConfigPath},
	}

	switch goos {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg Config) (service.Service, error) {
	s, err := service.New(prg, serviceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the service. An existing installation is replaced only
// when force is set.
func Install(cfg Config, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.withDefaults().Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if running and removes it.
func Uninstall(cfg Config) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of service.ControlAction ("start", "stop", "restart").
func Control(cfg Config, action string) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the human-readable service status.
func Status(cfg Config) (string, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed", nil
	}
	if err != nil {
		return "", err
	}
	return StatusString(status), nil
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager; it returns when the service stops.
func Run(prg *Program, cfg Config) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
