package ext

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
)

const maxStderrTail = 512

// DescribeCmdError renders a failed command error with its exit code and the
// tail of its stderr.
func DescribeCmdError(err error) string {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err.Error()
	}
	stderr := bytes.TrimSpace(exitErr.Stderr)
	if len(stderr) > maxStderrTail {
		stderr = stderr[len(stderr)-maxStderrTail:]
	}
	return fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), stderr)
}
