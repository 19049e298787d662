//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in its own process group so a forced
// kill reaches its helpers, and asks the kernel to send SIGQUIT (postgres'
// immediate shutdown) if the parent dies first.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGQUIT,
	}
}
