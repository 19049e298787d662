//go:build unix

package process

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// killGroup sends SIGKILL to the process group led by p, falling back to
// the process alone if the group is already gone.
func killGroup(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		return p.Kill()
	}
	return err
}
