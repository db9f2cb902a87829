package svc

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// logCommand returns the platform command that shows the service's logs.
func logCommand(opts LogOptions, goos string) (string, []string, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		// launchd services log to files in /var/log/
		args := []string{"-n", strconv.Itoa(opts.Lines)}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName))
		return "tail", args, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs streams the service logs to stdout and stderr.
func ViewLogs(opts LogOptions, stdout, stderr io.Writer) error {
	name, args, err := logCommand(opts, runtime.GOOS)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
