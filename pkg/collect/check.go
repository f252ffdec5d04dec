package collect

import (
	"regexp"
	"strings"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

// Check 命令结果校验
// Filter 先于模式检查执行；Expected 未匹配或 Unexpected 匹配时该查询失败
type Check struct {
	Expected   *regexp.Regexp
	Unexpected *regexp.Regexp
	Filter     func(result, key, cmd string) string
}

// NewCheck 从字符串编译校验模式，空字符串表示不检查
func NewCheck(expected, unexpected string) (Check, error) {
	var c Check
	var err error
	if expected != "" {
		if c.Expected, err = regexp.Compile(expected); err != nil {
			return Check{}, collecterr.InvalidCommand("check", expected, "bad expected pattern: %v", err)
		}
	}
	if unexpected != "" {
		if c.Unexpected, err = regexp.Compile(unexpected); err != nil {
			return Check{}, collecterr.InvalidCommand("check", unexpected, "bad unexpected pattern: %v", err)
		}
	}
	return c, nil
}

func (c Check) apply(result, key, cmd string) (string, error) {
	if c.Filter != nil {
		result = c.Filter(result, key, cmd)
	}
	if c.Expected != nil && !c.Expected.MatchString(result) {
		return "", collecterr.Unexpected("check", cmd, "expected pattern "+c.Expected.String()+" not found").WithKey(key)
	}
	if c.Unexpected != nil {
		if m := c.Unexpected.FindString(result); m != "" {
			return "", collecterr.Unexpected("check", cmd, strings.TrimSpace(m)).WithKey(key)
		}
	}
	return result, nil
}

var varRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitute 替换 {name} 变量，未定义的变量保持原样
func substitute(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{") {
		return s
	}
	return varRe.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
