package expect

import (
	"bufio"
	"context"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

// term 脚本化的远端终端
type term struct {
	r *bufio.Reader
	w net.Conn
}

func (t *term) send(s string) bool {
	_, err := t.w.Write([]byte(s))
	return err == nil
}

func (t *term) line() (string, bool) {
	l, err := t.r.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimRight(l, "\r\n"), true
}

func newTarget(t *testing.T, serve func(tm *term)) Stream {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		serve(&term{r: bufio.NewReader(server), w: server})
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// shellLoop 回显命令，输出预置结果并打印提示符
func shellLoop(tm *term, prompt string, outputs map[string]string) {
	for {
		cmd, ok := tm.line()
		if !ok {
			return
		}
		tm.send(cmd + "\r\n")
		if cmd == "exit" {
			return
		}
		if strings.HasPrefix(cmd, "cd ") {
			prompt = "host:" + strings.TrimPrefix(cmd, "cd ") + "$ "
		}
		if out, ok := outputs[cmd]; ok {
			tm.send(out)
		}
		tm.send(prompt)
	}
}

func loginTarget(outputs map[string]string) func(tm *term) {
	return func(tm *term) {
		tm.send("Ubuntu 22.04 LTS\r\nlogin: ")
		if u, ok := tm.line(); !ok || u != "admin" {
			return
		}
		tm.send("Password: ")
		if p, ok := tm.line(); !ok || p != "secret" {
			tm.send("\r\nLogin incorrect\r\nlogin: ")
			return
		}
		tm.send("\r\nLast login: Mon Oct 19 10:00:00\r\n\x1b[01;32mhost$ \x1b[0m")
		shellLoop(tm, "host$ ", outputs)
	}
}

func connect(t *testing.T, stream Stream, ps *PatternSet) *Session {
	s := NewSession(stream, Options{Patterns: ps})
	err := s.Connect(context.Background(), Credentials{Username: "admin", Password: "secret"}, 2*time.Second)
	require.NoError(t, err)
	return s
}

// TestLoginThenRun 登录序列 login→Password→host$，执行 echo hi 只得到 hi
func TestLoginThenRun(t *testing.T) {
	s := connect(t, newTarget(t, loginTarget(map[string]string{"echo hi": "hi\r\n"})), nil)
	defer s.Close()

	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "host$", s.Prompt(), "提示符应被学习且去除颜色控制符")

	out, err := s.Run(context.Background(), "echo hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestRunStripsEchoAndPrompt(t *testing.T) {
	outputs := map[string]string{
		"df -h":  "Filesystem Size\r\n/dev/sda1  20G\r\n",
		"true":   "",
		"uptime": "  10:00:00 up 3 days\r\n",
	}
	s := connect(t, newTarget(t, loginTarget(outputs)), nil)
	defer s.Close()

	for i := 0; i < 2; i++ {
		out, err := s.Run(context.Background(), "df -h", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "Filesystem Size\n/dev/sda1  20G", out, "同一会话多次执行结果一致")
		assert.NotContains(t, out, "host$")
		assert.NotContains(t, out, "df -h")
	}

	out, err := s.Run(context.Background(), "true", time.Second)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = s.Run(context.Background(), "uptime", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "  10:00:00 up 3 days", out, "首行缩进保留")
}

// TestPromptChangeTimesOut 提示符变化后不会误匹配，而是超时
func TestPromptChangeTimesOut(t *testing.T) {
	s := connect(t, newTarget(t, loginTarget(nil)), nil)
	defer s.Close()

	start := time.Now()
	_, err := s.Run(context.Background(), "cd /tmp", 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, collecterr.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateError, s.State(), "超时后会话不可复用")

	_, err = s.Run(context.Background(), "echo hi", time.Second)
	assert.ErrorIs(t, err, collecterr.ErrNotConnected)
}

// TestTrickleOutputKeepsDeadline 持续的零碎输出不会延长超时
func TestTrickleOutputKeepsDeadline(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		tm.send("host$ ")
		if _, ok := tm.line(); !ok {
			return
		}
		for tm.send(".") {
			time.Sleep(20 * time.Millisecond)
		}
	})
	s := NewSession(stream, Options{Patterns: ShellPatterns()})
	require.NoError(t, s.Connect(context.Background(), Credentials{}, time.Second))

	start := time.Now()
	_, err := s.Run(context.Background(), "tail -f /var/log/messages", 300*time.Millisecond)
	assert.ErrorIs(t, err, collecterr.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestErrorPatternDegrades(t *testing.T) {
	ps := DefaultPatterns().WithErrors(regexp.MustCompile(`(?i)command not found`))
	outputs := map[string]string{
		"bogus":   "bash: bogus: command not found\r\n",
		"echo ok": "ok\r\n",
	}
	s := connect(t, newTarget(t, loginTarget(outputs)), ps)
	defer s.Close()

	_, err := s.Run(context.Background(), "bogus", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, collecterr.ErrUnexpectedResult)
	assert.Contains(t, err.Error(), "bash: bogus: command not found")
	assert.Equal(t, StateReady, s.State(), "错误模式匹配后会话仍可用")

	out, err := s.Run(context.Background(), "echo ok", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestConnectWithoutPrompt(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		tm.send("Welcome to the system\r\n")
		_, _ = tm.line()
	})
	s := NewSession(stream, Options{})
	start := time.Now()
	err := s.Connect(context.Background(), Credentials{Username: "admin"}, 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, collecterr.ErrNotConnected)
	assert.Contains(t, err.Error(), "Welcome to the system")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnectAuthRejected(t *testing.T) {
	s := NewSession(newTarget(t, loginTarget(nil)), Options{})
	err := s.Connect(context.Background(), Credentials{Username: "admin", Password: "wrong"}, 2*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, collecterr.ErrConnection)
	assert.Contains(t, err.Error(), "Login incorrect")
}

func TestConnectStreamClosed(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		tm.send("login: ")
	})
	s := NewSession(stream, Options{})
	err := s.Connect(context.Background(), Credentials{Username: "admin"}, 2*time.Second)
	assert.ErrorIs(t, err, collecterr.ErrConnection)
}

func TestLoginPromptWithoutUser(t *testing.T) {
	s := NewSession(newTarget(t, loginTarget(nil)), Options{})
	err := s.Connect(context.Background(), Credentials{}, 2*time.Second)
	assert.ErrorIs(t, err, collecterr.ErrConnection)
}

func TestRemoteExitReturnsOutput(t *testing.T) {
	s := connect(t, newTarget(t, loginTarget(nil)), nil)
	out, err := s.Run(context.Background(), "exit", time.Second)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateClosed, s.State())

	_, err = s.Run(context.Background(), "echo hi", time.Second)
	assert.ErrorIs(t, err, collecterr.ErrNotConnected)
}

func TestCloseIdempotent(t *testing.T) {
	s := connect(t, newTarget(t, loginTarget(nil)), nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "第二次关闭为空操作")
	assert.Equal(t, StateClosed, s.State())

	err := s.Connect(context.Background(), Credentials{}, time.Second)
	assert.ErrorIs(t, err, collecterr.ErrNotConnected)
}

func TestPagerAutoAnswer(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		tm.send("switch>")
		cmd, ok := tm.line()
		if !ok {
			return
		}
		tm.send(cmd + "\r\n")
		tm.send("line1\r\n--More-- ")
		if b, err := tm.r.ReadByte(); err != nil || b != ' ' {
			return
		}
		tm.send("\r\x1b[Kline2\r\nswitch>")
	})
	ps := ShellPatterns().WithPagers(Pager{Pattern: regexp.MustCompile(`--More--`), Send: " "})
	s := NewSession(stream, Options{Patterns: ps, Terminator: "\r\n"})
	defer s.Close()
	require.NoError(t, s.Connect(context.Background(), Credentials{}, time.Second))
	assert.Equal(t, "switch>", s.Prompt())

	out, err := s.Run(context.Background(), "show interfaces", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", out)
}

func TestLoginSteps(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		tm.send("Host key not cached. Continue? (y/n) ")
		if a, _ := tm.line(); a != "y" {
			return
		}
		tm.send("Username: ")
		if u, _ := tm.line(); u != "root" {
			return
		}
		tm.send("Password: ")
		if p, _ := tm.line(); p != "pw" {
			return
		}
		tm.send("\r\nstorage-01> ")
		shellLoop(tm, "storage-01> ", map[string]string{"show status": "OK\r\n"})
	})
	steps := []Step{
		{
			{Pattern: regexp.MustCompile(`Continue\? \(y/n\) \z`), Answer: "y"},
			{Pattern: regexp.MustCompile(`Username: \z`), Answer: "root"},
		},
		{
			{Pattern: regexp.MustCompile(`Password: \z`), Answer: "pw"},
		},
	}
	s := NewSession(stream, Options{Patterns: ShellPatterns()})
	defer s.Close()
	require.NoError(t, s.Login(context.Background(), steps, 2*time.Second))
	assert.Equal(t, "storage-01>", s.Prompt())

	out, err := s.Run(context.Background(), "show status", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", out)
}

func TestLoginStepFail(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		tm.send("Account locked\r\nConnection closed by foreign host.\r\n")
		_, _ = tm.line()
	})
	steps := []Step{{
		{Pattern: regexp.MustCompile(`Connection closed`), Action: ActionFail},
		{Pattern: regexp.MustCompile(`Password: \z`), Answer: "pw"},
	}}
	s := NewSession(stream, Options{Patterns: ShellPatterns()})
	err := s.Login(context.Background(), steps, 2*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, collecterr.ErrConnection)
	assert.Contains(t, err.Error(), "Account locked")
}

func TestInducePrompt(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		// 设备建立会话后需要回车才显示提示符
		if _, ok := tm.line(); !ok {
			return
		}
		tm.send("\r\n<HUAWEI>")
		shellLoop(tm, "<HUAWEI>", nil)
	})
	s := NewSession(stream, Options{Patterns: ShellPatterns(), InduceInterval: 50 * time.Millisecond})
	defer s.Close()
	require.NoError(t, s.Connect(context.Background(), Credentials{}, time.Second))
	assert.Equal(t, "<HUAWEI>", s.Prompt())
}

// TestLatePromptIsNotTakenAsReply 诱导回车产生的重复提示符在登录后才到达，不能被当作命令结果
func TestLatePromptIsNotTakenAsReply(t *testing.T) {
	stream := newTarget(t, func(tm *term) {
		if _, ok := tm.line(); !ok {
			return
		}
		tm.send("\r\nhost$ ")
		// 第二次诱导回车的应答
		time.Sleep(20 * time.Millisecond)
		tm.send("\r\nhost$ ")
		shellLoop(tm, "host$ ", map[string]string{"echo hi": "hi\r\n", "echo two": "two\r\n"})
	})
	s := NewSession(stream, Options{Patterns: ShellPatterns(), InduceInterval: 10 * time.Millisecond})
	defer s.Close()
	require.NoError(t, s.Connect(context.Background(), Credentials{}, time.Second))

	out, err := s.Run(context.Background(), "echo hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", out, "迟到的提示符之后才是本命令的输出")

	out, err = s.Run(context.Background(), "echo two", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two", out)
}

func TestSkipStalePrompts(t *testing.T) {
	prompt := []byte("host$")
	assert.Equal(t, "host$ echo hi\nhi\n", string(skipStalePrompts([]byte("\nhost$\n\nhost$ echo hi\nhi\n"), prompt)))
	assert.Equal(t, "host$ ", string(skipStalePrompts([]byte("\nhost$ "), prompt)), "末尾未结束的提示符行保留")
}
