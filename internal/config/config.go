package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/remotecollect/internal/util"
	"github.com/sshcollectorpro/remotecollect/pkg/collect"
	"github.com/sshcollectorpro/remotecollect/pkg/expect"
	"github.com/sshcollectorpro/remotecollect/pkg/logger"
	"github.com/sshcollectorpro/remotecollect/pkg/platform"
	"github.com/sshcollectorpro/remotecollect/pkg/portcheck"
	"github.com/sshcollectorpro/remotecollect/pkg/snmp"
)

// EnvPrefix 环境变量前缀，如 REMOTECOLLECT_SSH_CONNECT_TIMEOUT
const EnvPrefix = "REMOTECOLLECT"

// Config 应用配置结构
type Config struct {
	Log       LogConfig                    `mapstructure:"log"`
	SSH       SSHConfig                    `mapstructure:"ssh"`
	Telnet    TelnetConfig                 `mapstructure:"telnet"`
	Expect    ExpectConfig                 `mapstructure:"expect"`
	SNMP      SNMPConfig                   `mapstructure:"snmp"`
	Local     LocalConfig                  `mapstructure:"local"`
	Patterns  PatternsConfig               `mapstructure:"patterns"`
	Precheck  PrecheckConfig               `mapstructure:"precheck"`
	Platforms map[string]platform.Override `mapstructure:"platforms"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SSHConfig SSH 配置
type SSHConfig struct {
	Port              int           `mapstructure:"port"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	KnownHostsFile    string        `mapstructure:"known_hosts_file"`
	StrictHostKey     bool          `mapstructure:"strict_host_key"`
	Terminals         []string      `mapstructure:"terminals"`
	TerminalWidth     int           `mapstructure:"terminal_width"`
	TerminalHeight    int           `mapstructure:"terminal_height"`
	// Interactive 使用 PTY shell；关闭时每条命令独立 exec
	Interactive bool `mapstructure:"interactive"`
	AddStderr   bool `mapstructure:"add_stderr"`
}

// TelnetConfig Telnet 配置
type TelnetConfig struct {
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	TerminalType   string        `mapstructure:"terminal_type"`
}

// ExpectConfig 交互会话通用参数
type ExpectConfig struct {
	// Terminator 为空时由平台预设决定
	Terminator     string        `mapstructure:"terminator"`
	Charset        string        `mapstructure:"charset"`
	InduceInterval time.Duration `mapstructure:"induce_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// SNMPConfig SNMP 默认参数，目标主机由命令行提供
type SNMPConfig struct {
	Port      int           `mapstructure:"port"`
	Version   string        `mapstructure:"version"`
	Community string        `mapstructure:"community"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	MaxOids   int           `mapstructure:"max_oids"`
}

// LocalConfig 本地命令配置
type LocalConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	TotalTimeout time.Duration `mapstructure:"total_timeout"`
	Shell        string        `mapstructure:"shell"`
	FailOnStderr bool          `mapstructure:"fail_on_stderr"`
}

// PatternsConfig 模式覆盖与结果检查
type PatternsConfig struct {
	expect.PatternConfig `mapstructure:",squash"`
	// ExpectedPattern 结果必须匹配；UnexpectedPattern 结果不得匹配
	ExpectedPattern   string `mapstructure:"expected_pattern"`
	UnexpectedPattern string `mapstructure:"unexpected_pattern"`
}

// PrecheckConfig 端口预检
type PrecheckConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Ports 形如 "22,161/udp"；为空时探测协议端口
	Ports string `mapstructure:"ports"`
}

var globalConfig *Config

// Load 加载配置文件；configPath 为空时在默认目录查找，找不到则只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 环境变量替换
	replaceEnvVars(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	platform.ApplyConfig(config.Platforms)

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// 插件 stdout 留给采集结果，日志默认写 stderr
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.file_path", "./logs/remotecollect.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", 30*time.Second)
	v.SetDefault("ssh.command_timeout", 30*time.Second)
	v.SetDefault("ssh.keep_alive_interval", 0)
	v.SetDefault("ssh.known_hosts_file", "")
	v.SetDefault("ssh.strict_host_key", false)
	v.SetDefault("ssh.terminals", []string{"vt100", "xterm", "ansi", "dumb"})
	v.SetDefault("ssh.terminal_width", 511)
	v.SetDefault("ssh.terminal_height", 24)
	v.SetDefault("ssh.interactive", false)
	v.SetDefault("ssh.add_stderr", false)

	v.SetDefault("telnet.port", 23)
	v.SetDefault("telnet.connect_timeout", 30*time.Second)
	v.SetDefault("telnet.command_timeout", 30*time.Second)
	v.SetDefault("telnet.terminal_type", "vt100")

	v.SetDefault("expect.terminator", "")
	v.SetDefault("expect.charset", "utf-8")
	v.SetDefault("expect.induce_interval", 0)
	v.SetDefault("expect.connect_timeout", 30*time.Second)
	v.SetDefault("expect.command_timeout", 30*time.Second)

	v.SetDefault("snmp.port", snmp.DefaultPort)
	v.SetDefault("snmp.version", "")
	v.SetDefault("snmp.community", "public")
	v.SetDefault("snmp.timeout", snmp.DefaultTimeout)
	v.SetDefault("snmp.retries", snmp.DefaultRetries)
	v.SetDefault("snmp.max_oids", snmp.DefaultMaxOids)

	v.SetDefault("local.timeout", 30*time.Second)
	v.SetDefault("local.total_timeout", 0)
	v.SetDefault("local.shell", "/bin/sh")
	v.SetDefault("local.fail_on_stderr", false)

	v.SetDefault("patterns.expected_pattern", "")
	v.SetDefault("patterns.unexpected_pattern", "")

	v.SetDefault("precheck.enabled", false)
	v.SetDefault("precheck.timeout", portcheck.DefaultTimeout)
	v.SetDefault("precheck.ports", "")
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// replaceEnvVars 把 ${VAR} 形式的字符串字段替换为环境变量值，常用于凭据类配置
func replaceEnvVars(cfg *Config) {
	expand(reflect.ValueOf(cfg).Elem())
}

func expand(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		s := v.String()
		if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && v.CanSet() {
			if value := os.Getenv(s[2 : len(s)-1]); value != "" {
				v.SetString(value)
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				expand(v.Field(i))
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expand(v.Index(i))
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			elem := reflect.New(v.Type().Elem()).Elem()
			elem.Set(v.MapIndex(key))
			expand(elem)
			v.SetMapIndex(key, elem)
		}
	}
}

// Validate 检查取值范围与模式语法
func (c *Config) Validate() error {
	switch c.SNMP.Version {
	case "", "1", "2", "2c", "3":
	default:
		return fmt.Errorf("invalid snmp.version %q", c.SNMP.Version)
	}
	switch c.Log.Output {
	case "", "stderr", "stdout", "file", "both":
	default:
		return fmt.Errorf("invalid log.output %q", c.Log.Output)
	}
	if _, err := util.ParseCharset(c.Expect.Charset); err != nil {
		return fmt.Errorf("invalid expect.charset: %w", err)
	}
	if _, err := c.PatternSet(); err != nil {
		return fmt.Errorf("invalid patterns: %w", err)
	}
	if _, err := c.Check(); err != nil {
		return fmt.Errorf("invalid patterns: %w", err)
	}
	if _, err := portcheck.ParsePorts(c.Precheck.Ports); err != nil {
		return fmt.Errorf("invalid precheck.ports: %w", err)
	}
	return nil
}

// Logger 转换为日志初始化参数
func (c *Config) Logger() logger.Config {
	return logger.Config(c.Log)
}

// PatternSet 配置了任一模式时返回自定义集合，否则返回 nil 交由平台预设决定
func (c *Config) PatternSet() (*expect.PatternSet, error) {
	p := c.Patterns.PatternConfig
	if p.Login == "" && p.Password == "" && p.Prompt == "" && p.AuthError == "" &&
		len(p.Errors) == 0 && len(p.Pagers) == 0 && !p.NoLogin {
		return nil, nil
	}
	return expect.NewPatternSet(p)
}

// Check 结果检查
func (c *Config) Check() (collect.Check, error) {
	return collect.NewCheck(c.Patterns.ExpectedPattern, c.Patterns.UnexpectedPattern)
}

// Terminator 配置中的 "\r\n" 字面量转换为控制字符
func (c *Config) Terminator() string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(c.Expect.Terminator)
}

// PrecheckProbes 预检端口；未配置端口时探测 defaultPort
func (c *Config) PrecheckProbes(defaultPort int, proto string) []portcheck.Probe {
	probes, _ := portcheck.ParsePorts(c.Precheck.Ports)
	if len(probes) == 0 {
		probes = []portcheck.Probe{{Port: defaultPort, Proto: proto}}
	}
	return probes
}
