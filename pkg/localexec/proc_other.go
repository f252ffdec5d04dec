//go:build !unix

package localexec

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
