package localexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

// DefaultShell Line 形式命令使用的解释器
const DefaultShell = "/bin/sh"

// 进程被取消后等待输出管道关闭的最长时间
const waitDelay = 500 * time.Millisecond

// Command 本地命令：Line 交给 shell 解释，Args 直接执行
type Command struct {
	Line  string
	Args  []string
	Dir   string
	Env   []string
	Shell string
}

// Line 构造 shell 命令
func Line(line string) Command { return Command{Line: line} }

// Argv 构造直接执行的命令
func Argv(args ...string) Command { return Command{Args: args} }

func (c Command) String() string {
	if c.Line != "" {
		return c.Line
	}
	return strings.Join(c.Args, " ")
}

func (c Command) build(ctx context.Context) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch {
	case strings.TrimSpace(c.Line) != "":
		shell := c.Shell
		if shell == "" {
			shell = DefaultShell
		}
		cmd = exec.CommandContext(ctx, shell, "-c", c.Line)
	case len(c.Args) > 0 && c.Args[0] != "":
		cmd = exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	default:
		return nil, collecterr.InvalidCommand("exec", "", "empty command")
	}
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	return cmd, nil
}

// Result 执行结果：退出码是数据而非错误
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Run 执行命令直到结束或超时
// 启动失败返回 CollectError，超时返回 TimeoutError（同样属于 CollectError）
func Run(ctx context.Context, c Command, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd, err := c.build(ctx)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, collecterr.Timeout("exec", c.String(), "process did not finish within %s", timeout)
		}
		return nil, collecterr.Collect("exec", ctxErr, "process cancelled")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, collecterr.Collect("exec", err, "failed to run %q", c.String())
	}
	return res, nil
}
