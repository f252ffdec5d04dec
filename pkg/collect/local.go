package collect

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/localexec"
	"github.com/sshcollectorpro/remotecollect/pkg/logger"
)

// DefaultLocalTimeout 本地命令默认超时
const DefaultLocalTimeout = 30 * time.Second

// LocalOptions 本地命令门面配置
type LocalOptions struct {
	Timeout time.Duration
	// TotalTimeout 批量执行的总时限，超出后中止剩余命令
	TotalTimeout time.Duration
	// FailOnStderr stderr 非空时该命令失败
	FailOnStderr bool
	Check        Check
	Vars         map[string]string
	StrictBatch  bool
	Dir          string
	Env          []string
	// Shell 解释命令的 shell，默认 /bin/sh
	Shell  string
	Logger *logrus.Entry
}

// Local 本地命令门面，无连接阶段
type Local struct {
	opts LocalOptions
	log  *logrus.Entry
}

// NewLocal 创建本地命令门面
func NewLocal(opts LocalOptions) *Local {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLocalTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithField("proto", "local")
	}
	return &Local{opts: opts, log: log}
}

// Run 执行一条命令；非零退出码作为数据返回
func (l *Local) Run(ctx context.Context, cmd string, timeout time.Duration) (*localexec.Result, error) {
	return l.run(ctx, "", cmd, timeout)
}

func (l *Local) run(ctx context.Context, key, cmd string, timeout time.Duration) (*localexec.Result, error) {
	if timeout <= 0 {
		timeout = l.opts.Timeout
	}
	cmd = substitute(cmd, l.opts.Vars)
	res, err := localexec.Run(ctx, localexec.Command{Line: cmd, Dir: l.opts.Dir, Env: l.opts.Env, Shell: l.opts.Shell}, timeout)
	if err != nil {
		return nil, withKey(err, key)
	}
	logger.DebugCommandOutput(l.log.WithField("exit_code", res.ExitCode), cmd, res.Stdout, 0)
	if l.opts.FailOnStderr && strings.TrimSpace(res.Stderr) != "" {
		return res, collecterr.Unexpected("exec", cmd, strings.TrimSpace(res.Stderr)).WithKey(key)
	}
	out, err := l.opts.Check.apply(res.Stdout, key, cmd)
	if err != nil {
		return res, err
	}
	res.Stdout = out
	return res, nil
}

// RunMany 按顺序执行多条命令（mrunsh）
// 单条失败记录在条目中；超过 TotalTimeout 时中止并返回 nil 批次
func (l *Local) RunMany(ctx context.Context, queries []Query) (*Batch[*localexec.Result], error) {
	b, err := newBatch[*localexec.Result](queries)
	if err != nil {
		return nil, err
	}
	if l.opts.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.TotalTimeout)
		defer cancel()
	}
	for _, q := range queries {
		if ctx.Err() != nil {
			return nil, l.aborted(ctx, q)
		}
		res, err := l.run(ctx, q.Name, q.Command, q.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, l.aborted(ctx, q)
			}
			if l.opts.StrictBatch {
				return nil, err
			}
			l.log.WithError(err).WithField("query", q.Name).Warn("local command failed")
		}
		b.set(q.Name, res, err)
	}
	return b, nil
}

func (l *Local) aborted(ctx context.Context, q Query) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return collecterr.Timeout("batch", q.Command, "total timeout %s exceeded", l.opts.TotalTimeout).WithKey(q.Name)
	}
	return collecterr.Collect("batch", ctx.Err(), "batch interrupted").WithKey(q.Name)
}

// RunLocal 执行一条本地命令（runsh）
func RunLocal(ctx context.Context, cmd string, timeout time.Duration) (*localexec.Result, error) {
	return NewLocal(LocalOptions{}).Run(ctx, cmd, timeout)
}

// RunLocalMany 按顺序执行多条本地命令（mrunsh），timeout 作用于每条命令
func RunLocalMany(ctx context.Context, queries []Query, timeout time.Duration) (*Batch[*localexec.Result], error) {
	return NewLocal(LocalOptions{Timeout: timeout}).RunMany(ctx, queries)
}

func withKey(err error, key string) error {
	if ce, ok := err.(*collecterr.Error); ok && key != "" {
		return ce.WithKey(key)
	}
	return err
}
