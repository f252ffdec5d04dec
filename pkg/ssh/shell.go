package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Shell 交互式 PTY 会话，作为 expect 会话的字节流
// stdout 与 stderr 合并到同一读取端
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	reader  *io.PipeReader
	once    sync.Once
}

// OpenShell 请求 PTY 并启动远端 shell
func (c *Client) OpenShell(ctx context.Context) (*Shell, error) {
	session, err := c.newSession(ctx)
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	terms := c.config.Terminals
	if len(terms) == 0 {
		terms = DefaultTerminals
	}
	width, height := c.config.TerminalWidth, c.config.TerminalHeight
	if width <= 0 {
		// 较宽的终端避免长命令回显被折行
		width = 511
	}
	if height <= 0 {
		height = 24
	}
	var ptyErr error
	for _, term := range terms {
		if ptyErr = session.RequestPty(term, height, width, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}
	go func() {
		// 远端 shell 退出后读取端得到 EOF
		_ = session.Wait()
		_ = pw.Close()
	}()

	return &Shell{session: session, stdin: stdin, reader: pr}, nil
}

func (s *Shell) Read(p []byte) (int, error) { return s.reader.Read(p) }

func (s *Shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close 关闭会话，可重复调用
func (s *Shell) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		_ = s.session.Close()
		_ = s.reader.Close()
	})
	return nil
}
