// Package platform 按设备家族提供会话预设：提示符后缀、错误提示、分页自动交互、初始化与退出命令
package platform

import (
	"regexp"
	"strings"
	"time"

	"github.com/sshcollectorpro/remotecollect/pkg/expect"
)

// AutoInteraction 输出末尾出现 Expect 时自动发送 Send
type AutoInteraction struct {
	Expect string `mapstructure:"expect_output" json:"expect_output"`
	Send   string `mapstructure:"auto_send" json:"auto_send"`
}

// Profile 设备家族预设
type Profile struct {
	Name           string
	PromptSuffixes []string
	// ErrorHints 不区分大小写的子串，出现在命令输出中即视为命令被拒绝
	ErrorHints       []string
	AutoInteractions []AutoInteraction
	// DisablePaging 连接后执行一次的关闭分页命令
	DisablePaging []string
	// EnableCommand 进入特权模式的命令，EnableRequired 为 true 时在关闭分页前执行
	EnableCommand  string
	EnableRequired bool
	ExitCommands   []string
	Terminator     string
	CommandTimeout time.Duration
}

// Patterns 在 base 基础上叠加本平台的提示符、错误与分页模式，base 为 nil 时使用默认集合
func (p Profile) Patterns(base *expect.PatternSet) (*expect.PatternSet, error) {
	if base == nil {
		base = expect.DefaultPatterns()
	}
	ps := base
	if len(p.PromptSuffixes) > 0 {
		prompt, err := expect.PromptFromSuffixes(p.PromptSuffixes)
		if err != nil {
			return nil, err
		}
		ps = ps.WithPrompt(prompt)
	}
	if hints := p.hintPatterns(); len(hints) > 0 {
		ps = ps.WithErrors(hints...)
	}
	var pagers []expect.Pager
	for _, ai := range p.AutoInteractions {
		text := strings.TrimSpace(ai.Expect)
		if text == "" {
			continue
		}
		re, err := expect.Compile(`(?i)` + regexp.QuoteMeta(text) + `[^\n]*\z`)
		if err != nil {
			return nil, err
		}
		pagers = append(pagers, expect.Pager{Pattern: re, Send: ai.Send})
	}
	if len(pagers) > 0 {
		ps = ps.WithPagers(pagers...)
	}
	return ps, nil
}

func (p Profile) hintPatterns() []*regexp.Regexp {
	var res []*regexp.Regexp
	for _, h := range p.ErrorHints {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		res = append(res, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(h)))
	}
	return res
}

// SetupCommands 连接后依次执行的命令（特权模式、关闭分页）
func (p Profile) SetupCommands() []string {
	var cmds []string
	if p.EnableRequired && p.EnableCommand != "" {
		cmds = append(cmds, p.EnableCommand)
	}
	return append(cmds, p.DisablePaging...)
}

// merge 非空字段覆盖
func (p Profile) merge(o Override) Profile {
	if len(o.PromptSuffixes) > 0 {
		p.PromptSuffixes = o.PromptSuffixes
	}
	if len(o.ErrorHints) > 0 {
		p.ErrorHints = o.ErrorHints
	}
	if len(o.AutoInteractions) > 0 {
		var kept []AutoInteraction
		for _, ai := range o.AutoInteractions {
			if strings.TrimSpace(ai.Expect) == "" || ai.Send == "" {
				continue
			}
			kept = append(kept, ai)
		}
		if len(kept) > 0 {
			p.AutoInteractions = kept
		}
	}
	if len(o.DisablePagingCmds) > 0 {
		p.DisablePaging = o.DisablePagingCmds
	}
	if o.EnableCLI != "" {
		p.EnableCommand = o.EnableCLI
	}
	if o.EnableRequired != nil {
		p.EnableRequired = *o.EnableRequired
	}
	if len(o.ExitCommands) > 0 {
		p.ExitCommands = o.ExitCommands
	}
	if o.Terminator != "" {
		p.Terminator = unescape(o.Terminator)
	}
	if o.CommandTimeout > 0 {
		p.CommandTimeout = o.CommandTimeout
	}
	return p
}

// unescape 配置文件中的 "\r\n" 字面量转换为控制字符
func unescape(s string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(s)
}
