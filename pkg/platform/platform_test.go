package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/remotecollect/pkg/expect"
)

func TestLookupFamilyFallback(t *testing.T) {
	p, ok := Lookup("huawei_s")
	require.True(t, ok)
	assert.Equal(t, "huawei_s", p.Name)
	assert.Equal(t, []string{"screen-length 0 temporary"}, p.DisablePaging, "按家族回退到 huawei")

	_, ok = Lookup("juniper")
	assert.False(t, ok)
	assert.Equal(t, Default, Get("juniper").Name, "未知平台使用 default")
	assert.Equal(t, Default, Get("").Name)

	assert.Subset(t, Names(), []string{"default", "linux", "cisco_ios", "huawei", "h3c"})
}

func TestProfilePatterns(t *testing.T) {
	ps, err := Get("cisco_ios").Patterns(nil)
	require.NoError(t, err)
	require.NotNil(t, ps.Login, "默认集合保留登录提示")
	assert.True(t, ps.Prompt.MatchString("\nrouter#"))
	assert.False(t, ps.Prompt.MatchString("\n[~HUAWEI]"), "cisco 不接受 ] 结尾的提示符")
	require.NotEmpty(t, ps.Errors)
	assert.True(t, ps.Errors[0].MatchString("% Invalid input detected at '^' marker."))
	require.NotEmpty(t, ps.Pagers)
	assert.True(t, ps.Pagers[0].Pattern.MatchString("line\n --More-- "))

	shell, err := Get("huawei").Patterns(expect.ShellPatterns())
	require.NoError(t, err)
	assert.Nil(t, shell.Login)
	assert.True(t, shell.Prompt.MatchString("\n<core-sw01>"))
	assert.True(t, shell.Prompt.MatchString("\n[core-sw01]"))
	assert.Empty(t, expect.ShellPatterns().Errors, "基础集合不被修改")
}

func TestSetupCommands(t *testing.T) {
	p := Get("cisco_ios")
	assert.Equal(t, []string{"terminal length 0", "terminal width 511"}, p.SetupCommands())
	p.EnableRequired = true
	assert.Equal(t, []string{"enable", "terminal length 0", "terminal width 511"}, p.SetupCommands())
}

func TestApplyConfig(t *testing.T) {
	enable := true
	ApplyConfig(map[string]Override{
		"cisco_nxos": {
			PromptSuffixes: []string{"#"},
			Terminator:     `\r\n`,
			EnableRequired: &enable,
		},
		"acme_storage": {
			ErrorHints:       []string{"ERR-"},
			AutoInteractions: []AutoInteraction{{Expect: "continue?", Send: "y"}, {Expect: "", Send: "x"}},
			CommandTimeout:   90 * time.Second,
		},
	})
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, "cisco_nxos")
		delete(registry, "acme_storage")
		registryMu.Unlock()
	})

	nx := Get("cisco_nxos")
	assert.Equal(t, "cisco_nxos", nx.Name)
	assert.Equal(t, []string{"#"}, nx.PromptSuffixes)
	assert.Equal(t, "\r\n", nx.Terminator)
	assert.Equal(t, []string{"enable", "terminal length 0", "terminal width 511"}, nx.SetupCommands(), "其余字段继承 cisco 家族")

	acme := Get("acme_storage")
	assert.Equal(t, []string{"ERR-"}, acme.ErrorHints)
	assert.Equal(t, []AutoInteraction{{Expect: "continue?", Send: "y"}}, acme.AutoInteractions, "空匹配项被丢弃")
	assert.Equal(t, 90*time.Second, acme.CommandTimeout)
	assert.Equal(t, "\n", acme.Terminator, "未知平台基于 default")
}
