package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/remotecollect/internal/util"
	"github.com/sshcollectorpro/remotecollect/pkg/collect"
	"github.com/sshcollectorpro/remotecollect/pkg/expect"
	"github.com/sshcollectorpro/remotecollect/pkg/localexec"
	"github.com/sshcollectorpro/remotecollect/pkg/portcheck"
	"github.com/sshcollectorpro/remotecollect/pkg/ssh"
)

// PasswordEnv 未给出 --password 时读取的环境变量
const PasswordEnv = "REMOTECOLLECT_PASSWORD"

type shellFlags struct {
	queryFlags

	host       string
	port       int
	user       string
	password   string
	keyFile    string
	passphrase string

	platform       string
	connectTimeout time.Duration
	charset        string
	terminator     string
	setup          []string
	vars           []string
	precheck       bool
	expected       string
	unexpected     string

	interactive bool
	addStderr   bool

	spawn  string
	steps  []string
	logout string
}

var (
	sshFlags    shellFlags
	telnetFlags shellFlags
	expectFlags shellFlags
)

var sshCmd = &cobra.Command{
	Use:   "ssh [command...]",
	Short: "Run commands on a host over SSH",
	Long: `Run commands on a host over SSH.

By default each command runs on its own exec channel. With --interactive the
commands are typed into one PTY shell and the prompt delimits their output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, collect.ProtoSSH, &sshFlags, args)
	},
}

var telnetCmd = &cobra.Command{
	Use:   "telnet [command...]",
	Short: "Log in over Telnet and run commands at the prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, collect.ProtoTelnet, &telnetFlags, args)
	},
}

var expectCmd = &cobra.Command{
	Use:   "expect --spawn PROGRAM [command...]",
	Short: "Drive a local interactive program on a PTY",
	Long: `Drive a local interactive program on a PTY.

Login steps are given as --step 'regex=>answer'. An answer of '!fail' makes the
step abort the login, '!break' ends the steps and waits for the prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, collect.ProtoExpect, &expectFlags, args)
	},
}

func init() {
	rootCmd.AddCommand(sshCmd, telnetCmd, expectCmd)
	sshFlags.register(sshCmd, collect.ProtoSSH)
	telnetFlags.register(telnetCmd, collect.ProtoTelnet)
	expectFlags.register(expectCmd, collect.ProtoExpect)
}

func (f *shellFlags) register(cmd *cobra.Command, proto string) {
	f.queryFlags.register(cmd)
	fl := cmd.Flags()
	if proto == collect.ProtoExpect {
		fl.StringVar(&f.spawn, "spawn", "", "program to run, interpreted by /bin/sh")
		fl.StringArrayVar(&f.steps, "step", nil, "login step regex=>answer, repeatable")
		fl.StringVar(&f.logout, "logout", "", "command sent before closing the program")
		fl.StringVar(&f.host, "host", "", "host name used in logs and {host}")
	} else {
		fl.StringVarP(&f.host, "host", "H", "", "target host")
		fl.IntVarP(&f.port, "port", "p", 0, "target port (default from config)")
		fl.StringVarP(&f.user, "user", "u", "", "login user")
		fl.StringVarP(&f.password, "password", "P", "", "login password (default $"+PasswordEnv+")")
		fl.BoolVar(&f.precheck, "precheck", false, "probe the target port before connecting")
		_ = cmd.MarkFlagRequired("host")
	}
	if proto == collect.ProtoSSH {
		fl.StringVarP(&f.keyFile, "key-file", "i", "", "private key file")
		fl.StringVar(&f.passphrase, "passphrase", "", "private key passphrase")
		fl.BoolVar(&f.interactive, "interactive", false, "use a PTY shell instead of one exec channel per command")
		fl.BoolVar(&f.addStderr, "add-stderr", false, "append stderr to each result in exec mode")
	}
	fl.StringVar(&f.platform, "platform", "", "device family preset (see 'remotecollect platforms')")
	fl.DurationVar(&f.connectTimeout, "connect-timeout", 0, "connection and login timeout (default from config)")
	fl.StringVar(&f.charset, "charset", "", "output charset, auto detects GBK/GB18030 (default from config)")
	fl.StringVar(&f.terminator, "terminator", "", `line terminator sent after each command, e.g. '\r\n'`)
	fl.StringArrayVar(&f.setup, "setup", nil, "command run once after login, repeatable (replaces platform preset)")
	fl.StringArrayVar(&f.vars, "var", nil, "substitution name=value for {name} in commands, repeatable")
	fl.StringVar(&f.expected, "expected", "", "regex every result must match")
	fl.StringVar(&f.unexpected, "unexpected", "", "regex no result may match")
}

func runShell(cmd *cobra.Command, proto string, f *shellFlags, args []string) error {
	queries, err := f.build(args)
	if err != nil {
		return err
	}
	opts, err := f.options(proto)
	if err != nil {
		return err
	}

	var s *collect.Shell
	switch proto {
	case collect.ProtoSSH:
		s, err = collect.NewSSH(opts)
	case collect.ProtoTelnet:
		s, err = collect.NewTelnet(opts)
	default:
		s, err = collect.NewExpect(opts)
	}
	if err != nil {
		return err
	}

	var batch *collect.Batch[string]
	err = s.Scoped(cmd.Context(), func(s *collect.Shell) error {
		var err error
		batch, err = s.RunMany(cmd.Context(), queries)
		return err
	})
	if err != nil {
		return err
	}
	return writeBatch(cmd, batch, func(v string) string { return v })
}

// options 合并配置文件默认值与命令行参数
func (f *shellFlags) options(proto string) (collect.ShellOptions, error) {
	var opts collect.ShellOptions
	vars, err := parseVars(f.vars)
	if err != nil {
		return opts, err
	}
	password := f.password
	if password == "" {
		password = os.Getenv(PasswordEnv)
	}
	opts = collect.ShellOptions{
		Target: collect.Target{
			Host:       f.host,
			Port:       f.port,
			Username:   f.user,
			Password:   password,
			KeyFile:    f.keyFile,
			Passphrase: f.passphrase,
		},
		Platform:        f.platform,
		Terminator:      cfg.Terminator(),
		InduceInterval:  cfg.Expect.InduceInterval,
		ConnectTimeout:  cfg.Expect.ConnectTimeout,
		CommandTimeout:  cfg.Expect.CommandTimeout,
		StrictBatch:     f.strict,
		Precheck:        f.precheck || cfg.Precheck.Enabled,
		PrecheckTimeout: cfg.Precheck.Timeout,
		Vars:            vars,
	}
	if f.terminator != "" {
		opts.Terminator = strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(f.terminator)
	}
	if len(f.setup) > 0 {
		opts.SetupCommands = f.setup
	}

	charset := cfg.Expect.Charset
	if f.charset != "" {
		charset = f.charset
	}
	if opts.Charset, err = util.ParseCharset(charset); err != nil {
		return opts, usageError(err)
	}

	patterns, err := cfg.PatternSet()
	if err != nil {
		return opts, usageError(err)
	}
	if patterns != nil && proto == collect.ProtoSSH {
		patterns = patterns.Clone()
		patterns.Login, patterns.Password = nil, nil
	}
	opts.Patterns = patterns

	expected, unexpected := cfg.Patterns.ExpectedPattern, cfg.Patterns.UnexpectedPattern
	if f.expected != "" {
		expected = f.expected
	}
	if f.unexpected != "" {
		unexpected = f.unexpected
	}
	if opts.Check, err = collect.NewCheck(expected, unexpected); err != nil {
		return opts, err
	}

	switch proto {
	case collect.ProtoSSH:
		if opts.Target.Port == 0 {
			opts.Target.Port = cfg.SSH.Port
		}
		opts.ConnectTimeout = cfg.SSH.ConnectTimeout
		opts.CommandTimeout = cfg.SSH.CommandTimeout
		opts.Interactive = f.interactive || cfg.SSH.Interactive
		opts.AddStderr = f.addStderr || cfg.SSH.AddStderr
		opts.SSH = ssh.Config{
			ConnectTimeout:    cfg.SSH.ConnectTimeout,
			KeepAliveInterval: cfg.SSH.KeepAliveInterval,
			KnownHostsFile:    cfg.SSH.KnownHostsFile,
			StrictHostKey:     cfg.SSH.StrictHostKey,
			Terminals:         cfg.SSH.Terminals,
			TerminalWidth:     cfg.SSH.TerminalWidth,
			TerminalHeight:    cfg.SSH.TerminalHeight,
		}
		opts.PrecheckPorts = cfg.PrecheckProbes(opts.Target.Port, portcheck.ProtoTCP)
	case collect.ProtoTelnet:
		if opts.Target.Port == 0 {
			opts.Target.Port = cfg.Telnet.Port
		}
		opts.ConnectTimeout = cfg.Telnet.ConnectTimeout
		opts.CommandTimeout = cfg.Telnet.CommandTimeout
		opts.TerminalType = cfg.Telnet.TerminalType
		opts.PrecheckPorts = cfg.PrecheckProbes(opts.Target.Port, portcheck.ProtoTCP)
	case collect.ProtoExpect:
		if strings.TrimSpace(f.spawn) == "" {
			return opts, usageError(fmt.Errorf("--spawn is required"))
		}
		opts.Precheck = false
		opts.Spawn = localexec.Command{Line: f.spawn, Shell: cfg.Local.Shell}
		opts.LogoutCommand = f.logout
		if opts.LoginSteps, err = parseSteps(f.steps); err != nil {
			return opts, err
		}
	}
	if f.connectTimeout > 0 {
		opts.ConnectTimeout = f.connectTimeout
		opts.SSH.ConnectTimeout = f.connectTimeout
	}
	return opts, nil
}

// parseSteps 每个 regex=>answer 构成一个单应答步骤
func parseSteps(raws []string) ([]expect.Step, error) {
	var steps []expect.Step
	for _, raw := range raws {
		pattern, answer, ok := strings.Cut(raw, "=>")
		if !ok || pattern == "" {
			return nil, usageError(fmt.Errorf("invalid --step %q, want regex=>answer", raw))
		}
		re, err := expect.Compile(pattern)
		if err != nil {
			return nil, usageError(err)
		}
		reply := expect.Reply{Pattern: re, Answer: answer}
		switch answer {
		case "!fail":
			reply = expect.Reply{Pattern: re, Action: expect.ActionFail}
		case "!break":
			reply = expect.Reply{Pattern: re, Action: expect.ActionBreak}
		}
		steps = append(steps, expect.Step{reply})
	}
	return steps, nil
}
