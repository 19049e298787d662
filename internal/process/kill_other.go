//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func configureSysProcAttr(*exec.Cmd) {}

func killGroup(p *os.Process) error { return p.Kill() }
