package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/logger"
)

const (
	// DefaultHelperPath is where the install step places the helper,
	// outside the unprivileged user's write access.
	DefaultHelperPath = "/usr/local/bin/lassoctl-helper"

	defaultSudoPath = "sudo"
	defaultTimeout  = 10 * time.Second
)

// Executor performs one privileged request synchronously.
type Executor interface {
	Do(ctx context.Context, req Request) error
}

// Client invokes the installed helper through sudo, one request per
// invocation, with a per-request timeout. It never constructs the
// elevated command line from unvalidated strings.
type Client struct {
	HelperPath string
	SudoPath   string
	Timeout    time.Duration
}

func NewClient() *Client {
	return &Client{
		HelperPath: DefaultHelperPath,
		SudoPath:   defaultSudoPath,
		Timeout:    defaultTimeout,
	}
}

func (c *Client) Do(ctx context.Context, req Request) error {
	errFactory := errors.New()

	if err := req.Validate(); err != nil {
		return err
	}
	if !c.Installed() {
		return errFactory.WithMessage(errors.ErrPermissionDenied,
			"helper not installed at "+c.HelperPath)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	// sudo -n: fail rather than prompt when the NOPASSWD rule is absent.
	argv := append([]string{"-n", c.HelperPath}, req.Args()...)
	cmd := exec.CommandContext(ctx, c.SudoPath, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return errFactory.Wrap(errors.ErrWriteFailed, ctx.Err())
	}
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(stderr.String())
		logger.Debug().
			Int("exit_code", exitErr.ExitCode()).
			Str("detail", detail).
			Str("op", string(req.Op)).
			Msg("helper request failed")

		return errorForExit(exitErr.ExitCode(), detail)
	}

	return errFactory.Wrap(errors.ErrWriteFailed, err)
}

// Installed reports whether the helper binary exists and is executable.
func (c *Client) Installed() bool {
	info, err := os.Stat(c.HelperPath)
	if err != nil {
		return false
	}

	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Probe checks whether the elevation rule is configured by running the
// helper's write-free check command. A permission_denied result means the
// sudoers rule is missing and core parking will be unavailable.
func (c *Client) Probe(ctx context.Context) error {
	errFactory := errors.New()

	if !c.Installed() {
		return errFactory.WithMessage(errors.ErrPermissionDenied,
			"helper not installed at "+c.HelperPath)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, c.SudoPath, "-n", c.HelperPath, "--check-only")
	if err := cmd.Run(); err != nil {
		return errFactory.Wrap(errors.ErrPermissionDenied, err)
	}

	return nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}

	return defaultTimeout
}
