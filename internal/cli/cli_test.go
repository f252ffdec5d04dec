package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/expect"
	"github.com/sshcollectorpro/remotecollect/pkg/localexec"
	"github.com/sshcollectorpro/remotecollect/pkg/snmp/snmptest"
	"github.com/sshcollectorpro/remotecollect/pkg/ssh/sshtest"
)

// resetFlags 包级标志变量在多次执行间共享，每次执行前恢复默认值
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	resetFlags(rootCmd)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o600))

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), append([]string{"--config", path}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

type localOutput struct {
	Results map[string]*localexec.Result `json:"results"`
	Errors  map[string]string            `json:"errors"`
}

func TestLocalCommand(t *testing.T) {
	code, out, _ := execute(t, "local", "-q", "greet=echo hi {who}", "-q", "fail=exit 3", "--var", "who=ops")
	require.Equal(t, ExitOK, code, "非零退出码只是数据")

	var res localOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Contains(t, res.Results, "greet")
	assert.Equal(t, "hi ops\n", res.Results["greet"].Stdout)
	assert.Equal(t, 3, res.Results["fail"].ExitCode)
	assert.Empty(t, res.Errors)
}

func TestLocalCommandText(t *testing.T) {
	code, out, errOut := execute(t, "-o", "text", "local", "-q", "a=printf one", "-q", "b=echo oops >&2", "--fail-on-stderr")
	require.Equal(t, ExitOK, code, "单条失败不影响退出码")
	assert.Equal(t, "== a ==\none\n", out)
	assert.Contains(t, errOut, "b:")
	assert.Contains(t, errOut, "oops")
}

func TestLocalCommandBatchFailures(t *testing.T) {
	code, _, errOut := execute(t, "local", "-q", "a=true", "-q", "a=false")
	assert.Equal(t, ExitUsage, code, "重复名称")
	assert.Contains(t, errOut, "duplicate")

	code, out, _ := execute(t, "local", "--total-timeout", "200ms", "-q", "slow=sleep 3", "-q", "next=true")
	assert.Equal(t, ExitFailed, code, "总时限超出中止批次")
	assert.Empty(t, out, "中止时不输出部分批次")

	code, _, _ = execute(t, "local", "-q", "noequals")
	assert.Equal(t, ExitUsage, code)

	code, _, _ = execute(t, "local")
	assert.Equal(t, ExitUsage, code, "没有查询")

	code, _, _ = execute(t, "-o", "yaml", "local", "true")
	assert.Equal(t, ExitUsage, code)
}

func TestSSHCommand(t *testing.T) {
	srv, err := sshtest.NewServer(sshtest.Device{
		Users:   map[string]string{"admin": "nova"},
		Outputs: map[string]string{"uname -a": "Linux db01\n", "uptime": "up 3 days\n"},
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	port := strconv.Itoa(srv.Port())

	code, out, _ := execute(t, "ssh", "-H", srv.Host(), "-p", port, "-u", "admin", "-P", "nova",
		"-q", "kernel=uname -a", "uptime")
	require.Equal(t, ExitOK, code)
	assert.JSONEq(t, `{"results":{"kernel":"Linux db01","uptime":"up 3 days"},"errors":{}}`, out)

	t.Setenv(PasswordEnv, "wrong")
	code, out, errOut := execute(t, "ssh", "-H", srv.Host(), "-p", port, "-u", "admin", "uptime")
	assert.Equal(t, ExitConnection, code, "认证失败是连接级错误")
	assert.Empty(t, out)
	assert.NotEmpty(t, errOut)
}

func TestSNMPCommands(t *testing.T) {
	agent, err := snmptest.NewAgent("public", []gosnmp.SnmpPDU{
		snmptest.String("1.3.6.1.2.1.1.1.0", "Huawei VRP S5735"),
		snmptest.String("1.3.6.1.2.1.1.5.0", "core-sw01"),
		snmptest.String("1.3.6.1.2.1.2.2.1.2.1", "GE0/0/1"),
		snmptest.String("1.3.6.1.2.1.2.2.1.2.2", "GE0/0/2"),
		snmptest.Int("1.3.6.1.2.1.2.2.1.8.1", 1),
		snmptest.Int("1.3.6.1.2.1.2.2.1.8.2", 2),
	})
	require.NoError(t, err)
	t.Cleanup(agent.Close)
	target := []string{"-H", "127.0.0.1", "-p", strconv.Itoa(agent.Port())}

	code, out, _ := execute(t, append([]string{"snmp", "get", "-q", "descr=1.3.6.1.2.1.1.1.0", "-q", "name=1.3.6.1.2.1.1.5.0"}, target...)...)
	require.Equal(t, ExitOK, code)
	assert.JSONEq(t, `{"results":{"descr":"Huawei VRP S5735","name":"core-sw01"},"errors":{}}`, out)

	code, out, _ = execute(t, append([]string{"snmp", "table", "1.3.6.1.2.1.2.2.1", "--row", "-1", "--col", "-2"}, target...)...)
	require.Equal(t, ExitOK, code)
	assert.JSONEq(t, `[{"index":1,"values":["GE0/0/1",1]},{"index":2,"values":["GE0/0/2",2]}]`, out)

	code, out, _ = execute(t, append([]string{"snmp", "table", "1.3.6.1.2.1.2.2.1.2", "1.3.6.1.2.1.2.2.1.8", "--row", "-1", "--col", "-2"}, target...)...)
	require.Equal(t, ExitOK, code)
	assert.JSONEq(t, `[{"index":1,"values":["GE0/0/1",1]},{"index":2,"values":["GE0/0/2",2]}]`, out, "多个根按行索引合并")

	code, _, _ = execute(t, "snmp", "get", "1.3.6.1.2.1.1.1.0")
	assert.Equal(t, ExitUsage, code, "缺少 --host")
}

func TestSFTPCommand(t *testing.T) {
	srv, err := sshtest.NewServer(sshtest.Device{Users: map[string]string{"admin": "nova"}, SFTP: true})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	target := []string{"-H", srv.Host(), "-p", strconv.Itoa(srv.Port()), "-u", "admin", "-P", "nova"}

	dir := t.TempDir()
	local := filepath.Join(dir, "startup.cfg")
	require.NoError(t, os.WriteFile(local, []byte("sysname core-sw01\n"), 0o600))
	remote := filepath.Join(dir, "remote.cfg")

	code, out, _ := execute(t, append([]string{"sftp", "put", local, remote}, target...)...)
	require.Equal(t, ExitOK, code)
	assert.JSONEq(t, `{"remote":"`+remote+`","local":"`+local+`","bytes":18}`, out)

	pulled := filepath.Join(dir, "pulled.cfg")
	code, _, _ = execute(t, append([]string{"sftp", "get", remote, pulled}, target...)...)
	require.Equal(t, ExitOK, code)
	data, err := os.ReadFile(pulled)
	require.NoError(t, err)
	assert.Equal(t, "sysname core-sw01\n", string(data))

	code, _, _ = execute(t, append([]string{"sftp", "get", filepath.Join(dir, "missing.cfg"), pulled}, target...)...)
	assert.Equal(t, ExitFailed, code, "远端文件不存在不是连接级错误")

	code, _, _ = execute(t, "sftp", "get", remote)
	assert.Equal(t, ExitUsage, code, "参数个数不对")
}

func TestPortcheckCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	open := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	code, out, _ := execute(t, "portcheck", "-H", "127.0.0.1", "--ports", strconv.Itoa(open))
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, `"reachable":true`)

	code, out, _ = execute(t, "portcheck", "-H", "127.0.0.1", "--ports", strconv.Itoa(open)+","+strconv.Itoa(closedPort))
	assert.Equal(t, ExitConnection, code)
	assert.Contains(t, out, `"reachable":false`, "失败时仍输出探测结果")
}

func TestPlatformsCommand(t *testing.T) {
	code, out, _ := execute(t, "platforms")
	require.Equal(t, ExitOK, code)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(out), &names))
	assert.Contains(t, names, "cisco_ios")
	assert.Contains(t, names, "linux")
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps([]string{`Username:=>admin`, `Password:=>{password}`, `denied=>!fail`})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "admin", steps[0][0].Answer)
	assert.Equal(t, expect.ActionSend, steps[1][0].Action)
	assert.Equal(t, expect.ActionFail, steps[2][0].Action)

	_, err = parseSteps([]string{"no separator"})
	assert.Error(t, err)
	_, err = parseSteps([]string{"([=>x"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitUsage, ExitCode(usageError(assert.AnError)))
	assert.Equal(t, ExitUsage, ExitCode(assert.AnError), "命令行解析错误")
	assert.Equal(t, ExitFailed, ExitCode(collecterr.Timeout("batch", "sleep 3", "total timeout exceeded")))
	assert.Equal(t, ExitFailed, ExitCode(collecterr.Unexpected("exec", "show foo", "% Invalid input")))
	assert.Equal(t, ExitConnection, ExitCode(collecterr.NotConnected("setup", "session closed")))
	assert.Equal(t, ExitUsage, ExitCode(collecterr.InvalidCommand("batch", "", "duplicate query name")))
}
