package expect

import (
	"fmt"
	"regexp"
	"strings"
)

// 默认模式，均锚定在未消费缓冲区末尾（\z），避免横幅中的 "Last login:" 之类误触发
const (
	DefaultLoginPattern     = `(?i)(?:login|username|user name)\s*:\s*\z`
	DefaultPasswordPattern  = `(?i)password[^\n:]*:\s*\z`
	DefaultPromptPattern    = `(?:^|\n)([^\n]*[$#>%\]] ?)\z`
	DefaultAuthErrorPattern = `(?i)bad password|login incorrect|login failed|authentication (?:error|failed)|access denied`
)

// Pager 自动交互：输出末尾匹配 Pattern 时自动发送 Send（如 --More-- 发送空格）
type Pager struct {
	Pattern *regexp.Regexp
	Send    string
}

// PatternSet 会话使用的模式集合，构造后不再修改
// Login/Password 为 nil 表示目标无需在流中登录（例如 SSH 已在传输层完成认证）
type PatternSet struct {
	Login     *regexp.Regexp
	Password  *regexp.Regexp
	Prompt    *regexp.Regexp
	AuthError *regexp.Regexp
	Errors    []*regexp.Regexp
	Pagers    []Pager
}

// PagerConfig 分页自动交互的文本配置
type PagerConfig struct {
	Expect string `mapstructure:"expect" json:"expect"`
	Send   string `mapstructure:"send" json:"send"`
}

// PatternConfig 文本形式的模式配置，空字段使用默认值
// 以 ^ 开头的模式按行首匹配
type PatternConfig struct {
	Login     string        `mapstructure:"login" json:"login"`
	Password  string        `mapstructure:"password" json:"password"`
	Prompt    string        `mapstructure:"prompt" json:"prompt"`
	AuthError string        `mapstructure:"auth_error" json:"auth_error"`
	Errors    []string      `mapstructure:"errors" json:"errors"`
	Pagers    []PagerConfig `mapstructure:"pagers" json:"pagers"`
	// NoLogin 不匹配登录/口令提示（SSH 场景）
	NoLogin bool `mapstructure:"no_login" json:"no_login"`
}

var (
	defaultLogin     = regexp.MustCompile(DefaultLoginPattern)
	defaultPassword  = regexp.MustCompile(DefaultPasswordPattern)
	defaultPrompt    = regexp.MustCompile(DefaultPromptPattern)
	defaultAuthError = regexp.MustCompile(DefaultAuthErrorPattern)
)

// DefaultPatterns 返回 telnet 风格的默认模式集合
func DefaultPatterns() *PatternSet {
	return &PatternSet{
		Login:     defaultLogin,
		Password:  defaultPassword,
		Prompt:    defaultPrompt,
		AuthError: defaultAuthError,
	}
}

// ShellPatterns 返回不含登录/口令提示的模式集合
func ShellPatterns() *PatternSet {
	return &PatternSet{Prompt: defaultPrompt, AuthError: defaultAuthError}
}

// Compile 编译单个模式：行首 ^ 改写为多行模式
func Compile(expr string) (*regexp.Regexp, error) {
	if strings.HasPrefix(expr, "^") && !strings.HasPrefix(expr, "(?m)") {
		expr = "(?m)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	return re, nil
}

// NewPatternSet 由文本配置构造模式集合
func NewPatternSet(cfg PatternConfig) (*PatternSet, error) {
	ps := DefaultPatterns()
	if cfg.NoLogin {
		ps.Login, ps.Password = nil, nil
	}
	var err error
	if cfg.Login != "" && !cfg.NoLogin {
		if ps.Login, err = Compile(cfg.Login); err != nil {
			return nil, err
		}
	}
	if cfg.Password != "" && !cfg.NoLogin {
		if ps.Password, err = Compile(cfg.Password); err != nil {
			return nil, err
		}
	}
	if cfg.Prompt != "" {
		if ps.Prompt, err = Compile(cfg.Prompt); err != nil {
			return nil, err
		}
	}
	if cfg.AuthError != "" {
		if ps.AuthError, err = Compile(cfg.AuthError); err != nil {
			return nil, err
		}
	}
	for _, e := range cfg.Errors {
		re, err := Compile(e)
		if err != nil {
			return nil, err
		}
		ps.Errors = append(ps.Errors, re)
	}
	for _, p := range cfg.Pagers {
		if p.Expect == "" {
			continue
		}
		re, err := Compile(p.Expect)
		if err != nil {
			return nil, err
		}
		ps.Pagers = append(ps.Pagers, Pager{Pattern: re, Send: p.Send})
	}
	return ps, nil
}

// Clone 浅拷贝，供 With* 覆盖使用
func (p *PatternSet) Clone() *PatternSet {
	cp := *p
	cp.Errors = append([]*regexp.Regexp(nil), p.Errors...)
	cp.Pagers = append([]Pager(nil), p.Pagers...)
	return &cp
}

// WithPrompt 返回替换提示符模式后的副本
func (p *PatternSet) WithPrompt(re *regexp.Regexp) *PatternSet {
	cp := p.Clone()
	cp.Prompt = re
	return cp
}

// WithErrors 返回追加错误模式后的副本
func (p *PatternSet) WithErrors(res ...*regexp.Regexp) *PatternSet {
	cp := p.Clone()
	cp.Errors = append(cp.Errors, res...)
	return cp
}

// WithPagers 返回追加分页自动交互后的副本
func (p *PatternSet) WithPagers(pagers ...Pager) *PatternSet {
	cp := p.Clone()
	cp.Pagers = append(cp.Pagers, pagers...)
	return cp
}

// WithoutLogin 返回去掉登录/口令提示的副本
func (p *PatternSet) WithoutLogin() *PatternSet {
	cp := p.Clone()
	cp.Login, cp.Password = nil, nil
	return cp
}

// PromptFromSuffixes 由提示符后缀列表构造提示符模式（如 ">", "#", "]"）
func PromptFromSuffixes(suffixes []string) (*regexp.Regexp, error) {
	if len(suffixes) == 0 {
		return defaultPrompt, nil
	}
	quoted := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(s))
	}
	if len(quoted) == 0 {
		return defaultPrompt, nil
	}
	return Compile(`(?:^|\n)([^\n]*(?:` + strings.Join(quoted, "|") + `) ?)\z`)
}

// MatchError 返回输出中首个匹配错误模式的行
func (p *PatternSet) MatchError(out string) (string, bool) {
	for _, re := range p.Errors {
		loc := re.FindStringIndex(out)
		if loc == nil {
			continue
		}
		start := strings.LastIndex(out[:loc[0]], "\n") + 1
		end := strings.Index(out[loc[1]:], "\n")
		if end < 0 {
			return strings.TrimSpace(out[start:]), true
		}
		return strings.TrimSpace(out[start : loc[1]+end]), true
	}
	return "", false
}
