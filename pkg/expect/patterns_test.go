package expect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPatterns(t *testing.T) {
	ps := DefaultPatterns()
	assert.True(t, ps.Login.MatchString("Ubuntu\nlogin: "))
	assert.False(t, ps.Login.MatchString("Last login: Mon Oct 19 from 10.0.0.1\n"), "横幅中的 login: 不应触发")
	assert.True(t, ps.Password.MatchString("admin's Password: "))
	assert.True(t, ps.Prompt.MatchString("banner\nuser@host:~$ "))
	assert.True(t, ps.Prompt.MatchString("<HUAWEI>"))
	assert.True(t, ps.Prompt.MatchString("\n[root@db01 ~]# "))
	assert.False(t, ps.Prompt.MatchString("Password: "))
	assert.True(t, ps.AuthError.MatchString("Login incorrect"))
	assert.Empty(t, ps.Errors, "默认不设置错误模式")

	sh := ShellPatterns()
	assert.Nil(t, sh.Login)
	assert.Nil(t, sh.Password)
}

func TestNewPatternSet(t *testing.T) {
	ps, err := NewPatternSet(PatternConfig{
		Prompt: `(?:^|\n)(\S+# ?)\z`,
		Errors: []string{"^% Invalid input", "(?i)permission denied"},
		Pagers: []PagerConfig{{Expect: "---- More ----", Send: " "}, {Expect: ""}},
	})
	require.NoError(t, err)
	assert.NotNil(t, ps.Login, "未配置项使用默认值")
	assert.Len(t, ps.Errors, 2)
	assert.Len(t, ps.Pagers, 1)

	line, ok := ps.MatchError("show foo\n% Invalid input detected at '^' marker.\n")
	assert.True(t, ok)
	assert.Equal(t, "% Invalid input detected at '^' marker.", line)

	_, ok = ps.MatchError("x % Invalid input")
	assert.False(t, ok, "^ 只在行首匹配")

	noLogin, err := NewPatternSet(PatternConfig{NoLogin: true, Login: "user:"})
	require.NoError(t, err)
	assert.Nil(t, noLogin.Login)

	_, err = NewPatternSet(PatternConfig{Prompt: "("})
	assert.Error(t, err)
}

func TestPromptFromSuffixes(t *testing.T) {
	re, err := PromptFromSuffixes([]string{">", "]", " "})
	require.NoError(t, err)
	assert.True(t, re.MatchString("\n<H3C>"))
	assert.True(t, re.MatchString("\n[H3C-GigabitEthernet1/0/1]"))
	assert.False(t, re.MatchString("\nRouter#"))

	def, err := PromptFromSuffixes(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPromptPattern, def.String())
}

func TestWithOverridesCopy(t *testing.T) {
	base := DefaultPatterns()
	derived := base.WithoutLogin()
	assert.NotNil(t, base.Login, "覆盖不修改原模式集合")
	assert.Nil(t, derived.Login)
}

func TestANSIFilter(t *testing.T) {
	var f ansiFilter
	var out []byte
	// 转义序列跨越两个读取块
	out = f.appendTo(out, []byte("ab\x1b[01;"))
	out = f.appendTo(out, []byte("32mcd\r\n\x1b]0;title\x07ef\tg"))
	assert.Equal(t, "abcd\nef\tg", string(out))

	out = f.appendTo(out, []byte("xy\b\bz\x00"))
	assert.Equal(t, "abcd\nef\tgz", string(out))

	out = f.appendTo(nil, []byte("a\n\b\b"))
	assert.Equal(t, "a\n", string(out), "退格不跨行")

	out = f.appendTo(nil, []byte("\x1b(Bok\x1bM!"))
	assert.Equal(t, "ok!", string(out))
}
