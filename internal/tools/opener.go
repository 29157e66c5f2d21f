package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	logs "github.com/danmuck/edgelink/internal/logging"
)

var ErrNoOpener = errors.New("tools: no opener for platform")

// Opener hands a local path or URL to the desktop's default handler.
type Opener interface {
	Open(ctx context.Context, target string) error
}

// CommandOpener runs the platform open command through a CommandRunner.
type CommandOpener struct {
	Runner CommandRunner
	GOOS   string
}

func NewOpener() *CommandOpener {
	return &CommandOpener{Runner: ExecRunner{}, GOOS: runtime.GOOS}
}

func (o *CommandOpener) Open(ctx context.Context, target string) error {
	name, args, err := openCommand(o.GOOS, target)
	if err != nil {
		return err
	}
	res, err := o.Runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("tools: open %q exit=%d stderr=%q: %w", target, res.ExitCode, strings.TrimSpace(string(res.Stderr)), err)
	}
	logs.Debugf("tools.CommandOpener.Open target=%q cmd=%s", target, name)
	return nil
}

func openCommand(goos, target string) (string, []string, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{target}, nil
	case "darwin":
		return "open", []string{target}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrNoOpener, goos)
	}
}
