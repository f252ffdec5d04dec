package localexec

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

// Process 运行在 PTY 上的本地进程，作为 expect 会话的字节流
type Process struct {
	cmd  *exec.Cmd
	pty  *os.File
	once sync.Once
	done chan struct{}
	err  error
}

// Spawn 在 PTY 上启动进程（如厂商 CLI 工具）
// 进程生命周期与返回的 Process 绑定，Close 时终止
func Spawn(c Command, rows, cols uint16) (*Process, error) {
	var cmd *exec.Cmd
	switch {
	case c.Line != "":
		shell := c.Shell
		if shell == "" {
			shell = DefaultShell
		}
		cmd = exec.Command(shell, "-c", c.Line)
	case len(c.Args) > 0 && c.Args[0] != "":
		cmd = exec.Command(c.Args[0], c.Args[1:]...)
	default:
		return nil, collecterr.InvalidCommand("spawn", "", "empty command")
	}
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 512
	}
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, collecterr.Collect("spawn", err, "failed to start %q", c.String())
	}
	p := &Process{cmd: cmd, pty: f, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Read 读取进程输出；进程退出后 Linux 返回 EIO，统一转换为 EOF
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.pty.Read(b)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

func (p *Process) Write(b []byte) (int, error) { return p.pty.Write(b) }

// Close 关闭 PTY 并终止进程，可重复调用
func (p *Process) Close() error {
	p.once.Do(func() {
		_ = p.pty.Close()
		select {
		case <-p.done:
		default:
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
			<-p.done
		}
	})
	return nil
}

// ExitCode 进程退出码；尚未退出返回 -1
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Pid 进程号
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
