package expect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/remotecollect/internal/util"
	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/logger"
)

// DefaultTimeout 未指定超时时使用
const DefaultTimeout = 30 * time.Second

const readChunkSize = 4096

// Stream 会话驱动的双向字节流，由 SSH PTY、telnet 连接或本地 PTY 提供
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// State 会话状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingLogin
	StateAwaitingPassword
	StateAwaitingPrompt
	// StateReady 已学习提示符，等待下一条命令
	StateReady
	StateCommandInFlight
	StateClosed
	StateError
)

var stateNames = map[State]string{
	StateDisconnected:     "disconnected",
	StateConnecting:       "connecting",
	StateAwaitingLogin:    "awaiting-login",
	StateAwaitingPassword: "awaiting-password",
	StateAwaitingPrompt:   "awaiting-prompt",
	StateReady:            "ready",
	StateCommandInFlight:  "command-in-flight",
	StateClosed:           "closed",
	StateError:            "error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Credentials 流内登录使用的凭据
type Credentials struct {
	Username string
	Password string
}

// Options 会话选项
type Options struct {
	Patterns *PatternSet
	// Terminator 行结束符，默认 "\n"
	Terminator string
	Charset    util.Charset
	Logger     *logrus.Entry
	// InduceInterval 连接阶段若迟迟未见提示符，每隔该时长发送一次行结束符；0 表示关闭
	InduceInterval time.Duration
	InduceMax      int
	// OutputLines debug 日志中输出摘要的行数
	OutputLines int
}

var errDeadline = errors.New("deadline elapsed")

type streamError struct{ err error }

func (e *streamError) Error() string { return e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

// Session 交互式会话状态机
// 一个 Session 只属于一个采集流程，不做并发保护
type Session struct {
	stream Stream
	opts   Options
	log    *logrus.Entry

	chunks  chan []byte
	quit    chan struct{}
	readErr error
	once    sync.Once

	filter ansiFilter
	buf    []byte
	// prompt 学习到的提示符（去除尾部空白）
	prompt []byte
	state  State
}

// NewSession 绑定流并启动读取协程
func NewSession(stream Stream, opts Options) *Session {
	if opts.Patterns == nil {
		opts.Patterns = DefaultPatterns()
	}
	if opts.Patterns.Prompt == nil {
		opts.Patterns = opts.Patterns.WithPrompt(defaultPrompt)
	}
	if opts.Terminator == "" {
		opts.Terminator = "\n"
	}
	if opts.InduceMax <= 0 {
		opts.InduceMax = 3
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = 5
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logger.GetLogger())
	}
	s := &Session{
		stream: stream,
		opts:   opts,
		log:    log,
		chunks: make(chan []byte, 64),
		quit:   make(chan struct{}),
		state:  StateDisconnected,
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.chunks)
	for {
		b := make([]byte, readChunkSize)
		n, err := s.stream.Read(b)
		if n > 0 {
			select {
			case s.chunks <- b[:n]:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

// State 当前状态
func (s *Session) State() State { return s.state }

// Prompt 学习到的提示符文本
func (s *Session) Prompt() string {
	return s.opts.Charset.Decode(s.prompt)
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

// waitFor 读取直到 match 返回 true 或出错
// deadline 在操作开始时确定，每次读取不重置
func (s *Session) waitFor(ctx context.Context, deadline time.Time, match func() (bool, error), induce func()) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var tick <-chan time.Time
	if induce != nil && s.opts.InduceInterval > 0 {
		ticker := time.NewTicker(s.opts.InduceInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	induced := 0

	for {
		if ok, err := match(); err != nil || ok {
			return err
		}
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				err := s.readErr
				if err == nil {
					err = io.EOF
				}
				return &streamError{err: err}
			}
			s.buf = s.filter.appendTo(s.buf, chunk)
		case <-tick:
			if induced < s.opts.InduceMax {
				induced++
				induce()
			}
		case <-timer.C:
			return errDeadline
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errDeadline
			}
			return ctx.Err()
		}
	}
}

func (s *Session) write(p string) error {
	_, err := io.WriteString(s.stream, p)
	return err
}

func (s *Session) consume(n int) {
	s.buf = append(s.buf[:0], s.buf[n:]...)
}

// drain 丢弃命令发送前残留的输出（例如多余的提示符）
func (s *Session) drain() error {
	s.buf = s.buf[:0]
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				if s.readErr != nil && !errors.Is(s.readErr, io.EOF) {
					return s.readErr
				}
				return io.EOF
			}
			// 保持转义序列状态连续
			_ = s.filter.appendTo(nil, chunk)
		default:
			return nil
		}
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// learnPrompt 记录提示符：优先取第一个捕获组
func (s *Session) learnPrompt(loc []int) {
	var p []byte
	if len(loc) >= 4 && loc[2] >= 0 {
		p = s.buf[loc[2]:loc[3]]
	} else {
		p = s.buf[loc[0]:loc[1]]
	}
	p = bytes.TrimRight(bytes.TrimLeft(p, "\n"), " \t")
	if len(p) == 0 {
		p = bytes.TrimRight(s.buf, " \t\n")
		if i := bytes.LastIndexByte(p, '\n'); i >= 0 {
			p = p[i+1:]
		}
	}
	s.prompt = append([]byte(nil), p...)
	s.buf = s.buf[:0]
	s.state = StateReady
	s.log.WithField("prompt", string(s.prompt)).Debug("prompt learned")
}

// Connect 在流上完成登录握手并学习提示符
// 匹配优先级：登录提示 > 口令提示 > 命令提示符
func (s *Session) Connect(ctx context.Context, creds Credentials, timeout time.Duration) error {
	switch s.state {
	case StateReady:
		return nil
	case StateClosed, StateError:
		return collecterr.NotConnected("connect", "session is %s", s.state)
	}
	ps := s.opts.Patterns
	s.state = StateConnecting
	switch {
	case ps.Login != nil:
		s.state = StateAwaitingLogin
	case ps.Password != nil:
		s.state = StateAwaitingPassword
	default:
		s.state = StateAwaitingPrompt
	}

	var loginSent, passwordSent bool
	match := func() (bool, error) {
		if ps.AuthError != nil && (loginSent || passwordSent) {
			if loc := ps.AuthError.FindIndex(s.buf); loc != nil {
				return false, collecterr.Connection("login", nil, "authentication rejected: %s", strings.TrimSpace(string(s.buf[loc[0]:loc[1]])))
			}
		}
		if ps.Login != nil && !loginSent {
			if loc := ps.Login.FindIndex(s.buf); loc != nil {
				if creds.Username == "" {
					return false, collecterr.Connection("login", nil, "login prompt received but no username configured")
				}
				if err := s.write(creds.Username + s.opts.Terminator); err != nil {
					return false, &streamError{err: err}
				}
				s.consume(loc[1])
				loginSent = true
				s.state = StateAwaitingPrompt
				if ps.Password != nil {
					s.state = StateAwaitingPassword
				}
				s.log.Debug("login prompt answered")
				return false, nil
			}
		}
		if ps.Password != nil && !passwordSent {
			if loc := ps.Password.FindIndex(s.buf); loc != nil {
				if err := s.write(creds.Password + s.opts.Terminator); err != nil {
					return false, &streamError{err: err}
				}
				s.consume(loc[1])
				passwordSent = true
				s.state = StateAwaitingPrompt
				s.log.Debug("password prompt answered")
				return false, nil
			}
		}
		if loc := ps.Prompt.FindSubmatchIndex(s.buf); loc != nil {
			s.learnPrompt(loc)
			return true, nil
		}
		return false, nil
	}
	induce := func() { _ = s.write(s.opts.Terminator) }

	err := s.waitFor(ctx, deadlineFor(ctx, timeout), match, induce)
	if err == nil {
		return nil
	}
	return s.connectFailure(err, timeout)
}

func (s *Session) connectFailure(err error, timeout time.Duration) error {
	last := tail(s.buf, 200)
	s.fail()
	var se *streamError
	var ce *collecterr.Error
	switch {
	case errors.Is(err, errDeadline):
		return collecterr.NotConnected("connect", "no prompt recognized within %s, last output: %q", timeout, last)
	case errors.As(err, &se):
		return collecterr.Connection("connect", se.err, "stream failed during login")
	case errors.As(err, &ce):
		return ce
	default:
		return collecterr.Connection("connect", err, "login interrupted")
	}
}

// promptAtEnd 判断未消费输出是否以学习到的提示符结尾（提示符需位于行首）
func (s *Session) promptAtEnd(allowBare bool) bool {
	if len(s.prompt) == 0 {
		return false
	}
	t := bytes.TrimRight(s.buf, " \t")
	if !bytes.HasSuffix(t, s.prompt) {
		return false
	}
	head := t[:len(t)-len(s.prompt)]
	if len(head) == 0 {
		return allowBare
	}
	return head[len(head)-1] == '\n'
}

// replied 末尾提示符之前是否已有回显或输出
// 命令发送前残留的提示符行（例如诱导回车产生的重复提示符）不算应答
func (s *Session) replied() bool {
	t := bytes.TrimRight(s.buf, " \t")
	head := t[:len(t)-len(s.prompt)]
	for _, line := range bytes.Split(head, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 && !bytes.Equal(line, s.prompt) {
			return true
		}
	}
	return false
}

// skipStalePrompts 去掉开头的空行与只含提示符的完整行
func skipStalePrompts(out, prompt []byte) []byte {
	for {
		i := bytes.IndexByte(out, '\n')
		if i < 0 {
			return out
		}
		line := bytes.TrimSpace(out[:i])
		if len(line) > 0 && !bytes.Equal(line, prompt) {
			return out
		}
		out = out[i+1:]
	}
}

// answerPagers 输出末尾出现分页提示时自动应答并移除提示文本
func (s *Session) answerPagers() error {
	for _, pg := range s.opts.Patterns.Pagers {
		off := max(0, len(s.buf)-256)
		window := s.buf[off:]
		all := pg.Pattern.FindAllIndex(window, -1)
		if len(all) == 0 {
			continue
		}
		loc := all[len(all)-1]
		if len(bytes.TrimSpace(window[loc[1]:])) != 0 {
			continue
		}
		s.buf = s.buf[:off+loc[0]]
		if err := s.write(pg.Send); err != nil {
			return &streamError{err: err}
		}
		s.log.WithField("pager", pg.Pattern.String()).Debug("pager answered")
	}
	return nil
}

// extract 去掉命令回显与末尾提示符行
func (s *Session) extract(cmd string, withPrompt bool) []byte {
	out := s.buf
	if cmd != "" {
		out = skipStalePrompts(out, s.prompt)
		first := out
		if i := bytes.IndexByte(out, '\n'); i >= 0 {
			first = out[:i]
		}
		if i := bytes.Index(first, []byte(cmd)); i >= 0 {
			out = out[i+len(cmd):]
		}
	}
	if withPrompt {
		t := bytes.TrimRight(out, " \t")
		if i := bytes.LastIndexByte(t, '\n'); i >= 0 {
			out = t[:i]
		} else {
			out = nil
		}
	}
	return append([]byte(nil), bytes.Trim(out, "\n")...)
}

// Run 发送命令并读取到提示符再次出现为止
// 返回值不含命令回显与末尾提示符行；超时返回 TimeoutError 且会话不可再用
func (s *Session) Run(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if s.state != StateReady {
		return "", collecterr.NotConnected("run", "session is %s", s.state)
	}
	if err := s.drain(); err != nil {
		s.fail()
		return "", collecterr.Connection("run", err, "remote closed the session")
	}
	if cmd != "" {
		if err := s.write(cmd + s.opts.Terminator); err != nil {
			s.fail()
			return "", collecterr.Connection("run", err, "write failed")
		}
	}
	s.state = StateCommandInFlight
	start := time.Now()

	match := func() (bool, error) {
		if err := s.answerPagers(); err != nil {
			return false, err
		}
		if !s.promptAtEnd(cmd == "") {
			return false, nil
		}
		return cmd == "" || s.replied(), nil
	}
	err := s.waitFor(ctx, deadlineFor(ctx, timeout), match, nil)

	var raw []byte
	var se *streamError
	switch {
	case err == nil:
		raw = s.extract(cmd, true)
		s.buf = s.buf[:0]
		s.state = StateReady
	case errors.As(err, &se) && errors.Is(se.err, io.EOF):
		// 远端在命令后关闭会话（如 exit），已收到的输出即为结果
		raw = s.extract(cmd, false)
		s.buf = s.buf[:0]
		s.shutdown(StateClosed)
	case errors.Is(err, errDeadline):
		s.fail()
		return "", collecterr.Timeout("run", cmd, "prompt %q not seen within %s", string(s.prompt), time.Since(start).Round(time.Millisecond))
	case se != nil:
		s.fail()
		return "", collecterr.Connection("run", se.err, "stream failed")
	default:
		s.fail()
		return "", collecterr.Connection("run", err, "command interrupted")
	}

	out := s.opts.Charset.Decode(raw)
	logger.DebugCommandOutput(s.log, cmd, out, s.opts.OutputLines)
	if line, ok := s.opts.Patterns.MatchError(out); ok {
		return "", collecterr.Unexpected("run", cmd, line)
	}
	return out, nil
}

// Logout 发送退出命令并等待远端关闭，随后关闭会话；尽力而为，不返回错误
func (s *Session) Logout(ctx context.Context, cmd string, steps []Step, timeout time.Duration) {
	defer s.Close()
	if s.state != StateReady || cmd == "" {
		return
	}
	_ = s.drain()
	if err := s.write(cmd + s.opts.Terminator); err != nil {
		return
	}
	if len(steps) > 0 {
		_ = s.follow(ctx, steps, deadlineFor(ctx, timeout), false)
		return
	}
	_ = s.waitFor(ctx, deadlineFor(ctx, timeout), func() (bool, error) { return false, nil }, nil)
}

func (s *Session) shutdown(state State) {
	s.once.Do(func() {
		close(s.quit)
		_ = s.stream.Close()
	})
	s.state = state
}

// fail 会话进入错误状态并释放传输
func (s *Session) fail() {
	s.shutdown(StateError)
}

// Close 关闭会话，可重复调用
func (s *Session) Close() error {
	if s.state == StateError {
		s.shutdown(StateError)
		return nil
	}
	s.shutdown(StateClosed)
	return nil
}
