package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/remotecollect/pkg/platform"
	"github.com/sshcollectorpro/remotecollect/pkg/portcheck"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "stderr", cfg.Log.Output, "日志默认不占用 stdout")
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 30*time.Second, cfg.SSH.ConnectTimeout)
	assert.Equal(t, []string{"vt100", "xterm", "ansi", "dumb"}, cfg.SSH.Terminals)
	assert.Equal(t, 23, cfg.Telnet.Port)
	assert.Equal(t, 161, cfg.SNMP.Port)
	assert.Equal(t, "public", cfg.SNMP.Community)
	assert.Equal(t, 60, cfg.SNMP.MaxOids)
	assert.Equal(t, "/bin/sh", cfg.Local.Shell)
	assert.False(t, cfg.Precheck.Enabled)
	assert.Same(t, cfg, Get())

	ps, err := cfg.PatternSet()
	require.NoError(t, err)
	assert.Nil(t, ps, "未配置模式时交由平台预设")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "显式指定的配置文件必须存在")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("REMOTECOLLECT_SSH_COMMAND_TIMEOUT", "5s")
	t.Setenv("REMOTECOLLECT_SNMP_COMMUNITY", "private")
	cfg, err := Load(writeConfig(t, "snmp:\n  community: public\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.SSH.CommandTimeout)
	assert.Equal(t, "private", cfg.SNMP.Community)
}

func TestReplaceEnvVars(t *testing.T) {
	t.Setenv("RC_TEST_COMMUNITY", "s3cret")
	cfg, err := Load(writeConfig(t, "snmp:\n  community: ${RC_TEST_COMMUNITY}\nssh:\n  known_hosts_file: ${RC_TEST_UNSET}\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.SNMP.Community)
	assert.Equal(t, "${RC_TEST_UNSET}", cfg.SSH.KnownHostsFile, "未设置的变量保持原样")
}

func TestPatternsAndCheck(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
patterns:
  prompt: 'router[#>] ?$'
  errors: ['^% Invalid']
  expected_pattern: '\S'
  unexpected_pattern: 'ERROR'
expect:
  terminator: '\r\n'
`))
	require.NoError(t, err)

	ps, err := cfg.PatternSet()
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.True(t, ps.Prompt.MatchString("router# "))

	msg, rejected := ps.MatchError("% Invalid input detected")
	assert.True(t, rejected)
	assert.NotEmpty(t, msg)

	check, err := cfg.Check()
	require.NoError(t, err)
	require.NotNil(t, check.Expected)
	require.NotNil(t, check.Unexpected)
	assert.Equal(t, "\r\n", cfg.Terminator())
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"snmp 版本":  "snmp:\n  version: '4'\n",
		"日志输出":    "log:\n  output: syslog\n",
		"字符集":     "expect:\n  charset: no-such-charset\n",
		"提示符正则":   "patterns:\n  prompt: '(['\n",
		"结果检查正则":  "patterns:\n  unexpected_pattern: '(['\n",
		"预检端口":    "precheck:\n  ports: '22,abc'\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestPrecheckProbes(t *testing.T) {
	cfg, err := Load(writeConfig(t, "precheck:\n  enabled: true\n  ports: '22, 161/udp'\n"))
	require.NoError(t, err)
	assert.Equal(t, []portcheck.Probe{{Port: 22, Proto: "tcp"}, {Port: 161, Proto: "udp"}},
		cfg.PrecheckProbes(23, portcheck.ProtoTCP))

	cfg.Precheck.Ports = ""
	assert.Equal(t, []portcheck.Probe{{Port: 23, Proto: "tcp"}}, cfg.PrecheckProbes(23, portcheck.ProtoTCP))
}

func TestPlatformOverrides(t *testing.T) {
	_, err := Load(writeConfig(t, `
platforms:
  testos_edge:
    prompt_suffixes: ['%']
    exit_commands: ['logout']
    command_timeout: 90s
`))
	require.NoError(t, err)

	p, ok := platform.Lookup("testos_edge")
	require.True(t, ok, "未知平台基于 default 注册")
	assert.Equal(t, []string{"%"}, p.PromptSuffixes)
	assert.Equal(t, []string{"logout"}, p.ExitCommands)
	assert.Equal(t, 90*time.Second, p.CommandTimeout)
}
