// Package cli 实现 remotecollect 命令行：每个子命令对应一个采集门面，结果以 JSON 输出到 stdout
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/remotecollect/internal/config"
	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/logger"
)

// 退出码：批次级失败按错误类别区分，单条查询失败不影响退出码
const (
	ExitOK         = 0
	ExitFailed     = 1
	ExitConnection = 2
	ExitUsage      = 3
)

var (
	configPath   string
	logLevel     string
	outputFormat string
	pretty       bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "remotecollect",
	Short:         "Collect command output and SNMP data from remote devices",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "json", "text":
		default:
			return usageError(fmt.Errorf("--output must be json or text"))
		}
		c, err := config.Load(configPath)
		if err != nil {
			return usageError(err)
		}
		lc := c.Logger()
		if logLevel != "" {
			lc.Level = logLevel
		}
		if err := logger.Init(lc); err != nil {
			return usageError(fmt.Errorf("failed to initialize logger: %w", err))
		}
		cfg = c
		logger.WithField("command", cmd.CommandPath()).Debug("configuration loaded")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format (json|text)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "indent JSON output")
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: ExitUsage, err: err} }

// ExitCode 错误对应的进程退出码
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if _, ok := collecterr.KindOf(err); !ok {
		// 参数解析与必填标志等命令行错误
		return ExitUsage
	}
	if errors.Is(err, collecterr.ErrInvalidCommand) {
		return ExitUsage
	}
	if collecterr.IsConnectionLevel(err) {
		return ExitConnection
	}
	return ExitFailed
}

// Run 以给定参数执行命令行，供 main 与测试使用
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}

// Execute 入口：SIGINT/SIGTERM 取消正在进行的采集
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
