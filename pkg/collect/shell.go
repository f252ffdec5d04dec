package collect

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/remotecollect/internal/util"
	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/expect"
	"github.com/sshcollectorpro/remotecollect/pkg/localexec"
	"github.com/sshcollectorpro/remotecollect/pkg/logger"
	"github.com/sshcollectorpro/remotecollect/pkg/platform"
	"github.com/sshcollectorpro/remotecollect/pkg/portcheck"
	"github.com/sshcollectorpro/remotecollect/pkg/ssh"
	"github.com/sshcollectorpro/remotecollect/pkg/telnet"
)

// 协议名称
const (
	ProtoSSH    = "ssh"
	ProtoTelnet = "telnet"
	ProtoExpect = "expect"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	exitTimeout           = 2 * time.Second
)

// ShellOptions Shell 门面配置
type ShellOptions struct {
	Target Target
	// Platform 设备家族预设名称，见 pkg/platform
	Platform string
	// Patterns 非空时直接使用，不再叠加平台模式
	Patterns       *expect.PatternSet
	Terminator     string
	Charset        util.Charset
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// SetupCommands 连接后执行一次，输出丢弃；为空时使用平台预设
	SetupCommands []string
	// ExitCommands 关闭前发送；为空时使用平台预设
	ExitCommands []string

	// Precheck 握手前探测目标端口；PrecheckPorts 非空时改为探测这些端口
	Precheck        bool
	PrecheckPorts   []portcheck.Probe
	PrecheckTimeout time.Duration

	// StrictBatch 任一查询失败即中止批次
	StrictBatch bool
	Check       Check
	// InduceInterval 连接阶段未见提示符时定期发送回车
	InduceInterval time.Duration

	SSH ssh.Config
	// Interactive SSH 使用 PTY shell；否则每条命令独立 exec
	Interactive bool
	// AddStderr exec 模式下把 stderr 追加到结果
	AddStderr    bool
	TerminalType string

	// Spawn Expect 门面启动的本地程序
	Spawn         localexec.Command
	LoginSteps    []expect.Step
	LogoutCommand string
	LogoutSteps   []expect.Step
	// Vars 命令与应答中 {name} 的取值
	Vars map[string]string

	Logger *logrus.Entry
}

// Shell 命令行采集门面：SSH、Telnet 或本地 PTY 程序
// 会话在首次使用时建立，在门面生命周期内复用；不支持并发调用
type Shell struct {
	proto    string
	opts     ShellOptions
	id       string
	log      *logrus.Entry
	profile  platform.Profile
	patterns *expect.PatternSet
	setup    []string
	exits    []string

	client *ssh.Client
	sess   *expect.Session
}

// NewSSH 创建 SSH 门面，端口默认 22
func NewSSH(opts ShellOptions) (*Shell, error) {
	if opts.Target.Port == 0 {
		opts.Target.Port = 22
	}
	return newShell(ProtoSSH, opts)
}

// NewTelnet 创建 Telnet 门面，端口默认 23
func NewTelnet(opts ShellOptions) (*Shell, error) {
	if opts.Target.Port == 0 {
		opts.Target.Port = 23
	}
	return newShell(ProtoTelnet, opts)
}

// NewExpect 创建驱动本地程序的门面，程序在 PTY 上运行
func NewExpect(opts ShellOptions) (*Shell, error) {
	if opts.Spawn.Line == "" && len(opts.Spawn.Args) == 0 {
		return nil, collecterr.InvalidCommand("expect", "", "no program to spawn")
	}
	return newShell(ProtoExpect, opts)
}

func newShell(proto string, opts ShellOptions) (*Shell, error) {
	if proto != ProtoExpect {
		if err := validateTarget(opts.Target); err != nil {
			return nil, err
		}
	}
	s := &Shell{
		proto:   proto,
		opts:    opts,
		id:      uuid.NewString(),
		profile: platform.Get(opts.Platform),
	}
	if opts.Logger != nil {
		s.log = opts.Logger.WithFields(logrus.Fields{"session": s.id, "host": opts.Target.Host, "proto": proto})
	} else {
		s.log = logger.WithFields(logrus.Fields{"session": s.id, "host": opts.Target.Host, "proto": proto})
	}

	if s.opts.Terminator == "" {
		s.opts.Terminator = s.profile.Terminator
	}
	if s.opts.ConnectTimeout <= 0 {
		s.opts.ConnectTimeout = DefaultConnectTimeout
	}
	if s.opts.CommandTimeout <= 0 {
		s.opts.CommandTimeout = s.profile.CommandTimeout
	}
	if s.opts.CommandTimeout <= 0 {
		s.opts.CommandTimeout = expect.DefaultTimeout
	}

	s.patterns = opts.Patterns
	if s.patterns == nil {
		base := expect.DefaultPatterns()
		if proto == ProtoSSH {
			base = expect.ShellPatterns()
		}
		ps, err := s.profile.Patterns(base)
		if err != nil {
			return nil, collecterr.InvalidCommand("patterns", "", "platform %s: %v", s.profile.Name, err)
		}
		s.patterns = ps
	}

	s.setup = opts.SetupCommands
	if s.setup == nil && s.interactive() {
		s.setup = s.profile.SetupCommands()
	}
	s.exits = opts.ExitCommands
	if s.exits == nil && s.interactive() {
		s.exits = s.profile.ExitCommands
	}
	return s, nil
}

// ID 门面实例标识，出现在每条日志中
func (s *Shell) ID() string { return s.id }

// Proto 协议名称
func (s *Shell) Proto() string { return s.proto }

// Prompt 学习到的提示符；exec 模式或未连接时为空
func (s *Shell) Prompt() string {
	if s.sess == nil {
		return ""
	}
	return s.sess.Prompt()
}

func (s *Shell) interactive() bool {
	return s.proto != ProtoSSH || s.opts.Interactive
}

func (s *Shell) connected() bool {
	if s.interactive() {
		return s.sess != nil && s.sess.State() == expect.StateReady
	}
	return s.client != nil && s.client.IsConnected()
}

// reset 丢弃失效的会话，下次调用时重新建立
func (s *Shell) reset() {
	if s.sess != nil {
		_ = s.sess.Close()
		s.sess = nil
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

func (s *Shell) precheck(ctx context.Context) error {
	if s.proto == ProtoExpect || (!s.opts.Precheck && len(s.opts.PrecheckPorts) == 0) {
		return nil
	}
	probes := s.opts.PrecheckPorts
	if len(probes) == 0 {
		probes = []portcheck.Probe{{Port: s.opts.Target.Port, Proto: portcheck.ProtoTCP}}
	}
	return portcheck.Precheck(ctx, s.opts.Target.Host, probes, s.opts.PrecheckTimeout)
}

// Connect 建立会话；已连接时直接返回
// 失败时返回 NotConnected、ConnectionError 或端口预检错误
func (s *Shell) Connect(ctx context.Context) error {
	if s.connected() {
		return nil
	}
	s.reset()
	if err := s.precheck(ctx); err != nil {
		s.log.WithError(err).Warn("port precheck failed")
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	start := time.Now()
	s.log.WithFields(logrus.Fields{
		"port":     s.opts.Target.Port,
		"user":     s.opts.Target.Username,
		"password": logger.Mask(s.opts.Target.Password),
	}).Debug("connecting")

	stream, creds, err := s.open(cctx)
	if err != nil {
		s.log.WithError(err).Warn("connect failed")
		return err
	}
	if stream == nil {
		s.log.WithField("duration", time.Since(start)).Info("connected (exec mode)")
		return nil
	}

	s.sess = expect.NewSession(stream, expect.Options{
		Patterns:       s.patterns,
		Terminator:     s.opts.Terminator,
		Charset:        s.opts.Charset,
		Logger:         s.log,
		InduceInterval: s.opts.InduceInterval,
	})
	if len(s.opts.LoginSteps) > 0 {
		err = s.sess.Login(cctx, s.steps(s.opts.LoginSteps), s.opts.ConnectTimeout)
	} else {
		err = s.sess.Connect(cctx, creds, s.opts.ConnectTimeout)
	}
	if err != nil {
		s.reset()
		s.log.WithError(err).Warn("login failed")
		return err
	}

	for _, cmd := range s.setup {
		if _, err := s.sess.Run(ctx, substitute(cmd, s.opts.Vars), s.opts.CommandTimeout); err != nil {
			if s.sess.State() != expect.StateReady {
				s.reset()
				return collecterr.NotConnected("setup", "session lost during %q: %v", cmd, err)
			}
			s.log.WithError(err).WithField("command", cmd).Warn("setup command rejected")
		}
	}
	s.log.WithFields(logrus.Fields{"prompt": s.sess.Prompt(), "duration": time.Since(start)}).Info("connected")
	return nil
}

// open 建立传输；SSH exec 模式返回 nil 流
func (s *Shell) open(ctx context.Context) (expect.Stream, expect.Credentials, error) {
	t := s.opts.Target
	switch s.proto {
	case ProtoSSH:
		cfg := s.opts.SSH
		cfg.ConnectTimeout = s.opts.ConnectTimeout
		client := ssh.NewClient(&cfg)
		err := client.Connect(ctx, &ssh.ConnectionInfo{
			Host:       t.Host,
			Port:       t.Port,
			Username:   t.Username,
			Password:   t.Password,
			KeyFile:    t.KeyFile,
			PrivateKey: t.PrivateKey,
			Passphrase: t.Passphrase,
		})
		if err != nil {
			return nil, expect.Credentials{}, collecterr.Connection("connect", err, "ssh %s:%d", t.Host, t.Port)
		}
		s.client = client
		if !s.opts.Interactive {
			return nil, expect.Credentials{}, nil
		}
		sh, err := client.OpenShell(ctx)
		if err != nil {
			s.reset()
			return nil, expect.Credentials{}, collecterr.Connection("connect", err, "ssh shell")
		}
		return sh, expect.Credentials{}, nil

	case ProtoTelnet:
		conn, err := telnet.Dial(ctx, t.Host, t.Port, s.opts.ConnectTimeout, s.opts.TerminalType)
		if err != nil {
			return nil, expect.Credentials{}, collecterr.Connection("connect", err, "telnet")
		}
		return conn, expect.Credentials{Username: t.Username, Password: t.Password}, nil

	default:
		spawn := s.opts.Spawn
		spawn.Line = substitute(spawn.Line, s.opts.Vars)
		args := make([]string, len(spawn.Args))
		for i, a := range spawn.Args {
			args[i] = substitute(a, s.opts.Vars)
		}
		spawn.Args = args
		proc, err := localexec.Spawn(spawn, 0, 0)
		if err != nil {
			return nil, expect.Credentials{}, err
		}
		return proc, expect.Credentials{Username: t.Username, Password: t.Password}, nil
	}
}

func (s *Shell) steps(steps []expect.Step) []expect.Step {
	if len(s.opts.Vars) == 0 {
		return steps
	}
	out := make([]expect.Step, len(steps))
	for i, st := range steps {
		out[i] = make(expect.Step, len(st))
		for j, r := range st {
			r.Answer = substitute(r.Answer, s.opts.Vars)
			out[i][j] = r
		}
	}
	return out
}

// Run 执行一条命令（runOne），按需建立会话；timeout 为 0 时使用默认命令超时
func (s *Shell) Run(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if err := s.Connect(ctx); err != nil {
		return "", err
	}
	return s.run(ctx, "", cmd, timeout)
}

func (s *Shell) run(ctx context.Context, key, cmd string, timeout time.Duration) (string, error) {
	cmd = substitute(cmd, s.opts.Vars)
	if strings.TrimSpace(cmd) == "" {
		return "", collecterr.InvalidCommand("run", cmd, "empty command").WithKey(key)
	}
	if timeout <= 0 {
		timeout = s.opts.CommandTimeout
	}
	var (
		out string
		err error
	)
	if s.interactive() {
		out, err = s.sess.Run(ctx, cmd, timeout)
		if s.sess.State() != expect.StateReady {
			// 超时或远端关闭后会话不可复用，下一条命令重新连接
			s.reset()
		}
	} else {
		out, err = s.exec(ctx, cmd, timeout)
	}
	if err != nil {
		return "", err
	}
	return s.opts.Check.apply(out, key, cmd)
}

// exec 在独立通道中执行命令，退出码不视为失败
func (s *Shell) exec(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := s.client.Exec(ectx, cmd)
	if err != nil {
		switch {
		case errors.Is(ectx.Err(), context.DeadlineExceeded):
			return "", collecterr.Timeout("run", cmd, "no result within %s", timeout)
		case ctx.Err() != nil:
			return "", collecterr.Collect("run", ctx.Err(), "command interrupted")
		}
		s.reset()
		return "", collecterr.Connection("run", err, "ssh exec")
	}
	out := res.Stdout
	if s.opts.AddStderr && res.Stderr != "" {
		out += res.Stderr
	}
	text := strings.Trim(s.opts.Charset.Decode([]byte(out)), "\r\n")
	logger.DebugCommandOutput(s.log.WithField("exit_code", res.ExitCode), cmd, text, 0)
	if line, ok := s.patterns.MatchError(text); ok {
		return "", collecterr.Unexpected("run", cmd, line)
	}
	return text, nil
}

// Get 通过 SFTP 把远端文件拉取到本地，只支持 SSH
func (s *Shell) Get(ctx context.Context, remote, local string) (int64, error) {
	return s.transfer(ctx, "get", remote, func(tctx context.Context) (int64, error) {
		return s.client.Download(tctx, remote, local)
	})
}

// Put 通过 SFTP 把本地文件推送到远端，只支持 SSH
func (s *Shell) Put(ctx context.Context, local, remote string) (int64, error) {
	return s.transfer(ctx, "put", remote, func(tctx context.Context) (int64, error) {
		return s.client.Upload(tctx, local, remote)
	})
}

func (s *Shell) transfer(ctx context.Context, op, remote string, fn func(context.Context) (int64, error)) (int64, error) {
	if s.proto != ProtoSSH {
		return 0, collecterr.InvalidCommand(op, remote, "file transfer needs ssh, not %s", s.proto)
	}
	if err := s.Connect(ctx); err != nil {
		return 0, err
	}
	tctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	start := time.Now()
	n, err := fn(tctx)
	if err != nil {
		switch {
		case errors.Is(tctx.Err(), context.DeadlineExceeded):
			return n, collecterr.Timeout(op, remote, "transfer not finished within %s", s.opts.CommandTimeout)
		case !s.client.IsConnected():
			s.reset()
			return n, collecterr.Connection(op, err, "sftp %s", remote)
		}
		return n, collecterr.Collect(op, err, "sftp %s", remote)
	}
	s.log.WithFields(logrus.Fields{"remote": remote, "bytes": n, "duration": time.Since(start)}).Info("file " + op)
	return n, nil
}

// RunMany 在同一会话上按顺序执行查询（runMany）
// 单条查询失败记录在对应条目中；连接级失败中止批次并返回 nil
func (s *Shell) RunMany(ctx context.Context, queries []Query) (*Batch[string], error) {
	b, err := newBatch[string](queries)
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, collecterr.Collect("batch", err, "batch interrupted")
		}
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
		out, err := s.run(ctx, q.Name, q.Command, q.Timeout)
		if err != nil {
			if collecterr.IsConnectionLevel(err) || s.opts.StrictBatch {
				s.log.WithError(err).WithField("query", q.Name).Error("batch aborted")
				return nil, err
			}
			s.log.WithError(err).WithField("query", q.Name).Warn("query failed")
		}
		b.set(q.Name, out, err)
	}
	return b, nil
}

// RunScript 逐行执行脚本中的非空命令，输出按行拼接
func (s *Shell) RunScript(ctx context.Context, script string, timeout time.Duration) (string, error) {
	var outs []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out, err := s.Run(ctx, line, timeout)
		if err != nil {
			return strings.Join(outs, "\n"), err
		}
		if out != "" {
			outs = append(outs, out)
		}
	}
	return strings.Join(outs, "\n"), nil
}

// Scoped 建立会话后执行 fn，任何路径返回时都会关闭会话（runScoped）
func (s *Shell) Scoped(ctx context.Context, fn func(*Shell) error) error {
	defer s.Close()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return fn(s)
}

// Close 发送退出命令并释放传输；可重复调用，不返回错误
func (s *Shell) Close() error {
	if s.sess != nil && s.sess.State() == expect.StateReady {
		ctx, cancel := context.WithTimeout(context.Background(), exitTimeout*2)
		switch {
		case s.opts.LogoutCommand != "":
			s.sess.Logout(ctx, substitute(s.opts.LogoutCommand, s.opts.Vars), s.steps(s.opts.LogoutSteps), exitTimeout)
		case len(s.exits) > 0:
			for _, cmd := range s.exits[:len(s.exits)-1] {
				if _, err := s.sess.Run(ctx, cmd, exitTimeout); err != nil || s.sess.State() != expect.StateReady {
					break
				}
			}
			s.sess.Logout(ctx, s.exits[len(s.exits)-1], nil, exitTimeout)
		}
		cancel()
	}
	if s.sess != nil || s.client != nil {
		s.log.Debug("session closed")
	}
	s.reset()
	return nil
}
