//go:build unix

package localexec

import (
	"os/exec"
	"syscall"
)

// setProcessGroup 子进程独立进程组，超时时整组终止（sh -c 派生的子进程一并结束）
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
