package platform

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Default 未指定或未知平台时使用的预设名称
const Default = "default"

var (
	registryMu sync.RWMutex
	registry   = map[string]Profile{}
)

func init() {
	for _, p := range builtin() {
		registry[p.Name] = p
	}
}

func builtin() []Profile {
	pagers := []AutoInteraction{
		{Expect: "--more--", Send: " "},
		{Expect: "---- more ----", Send: " "},
		{Expect: "press any key", Send: " "},
	}
	return []Profile{
		{
			Name:             Default,
			PromptSuffixes:   []string{"#", ">", "]", "$", "%"},
			AutoInteractions: pagers,
			Terminator:       "\n",
			CommandTimeout:   30 * time.Second,
		},
		{
			Name:           "linux",
			PromptSuffixes: []string{"$", "#"},
			ErrorHints:     []string{"command not found", "permission denied", "no such file or directory"},
			DisablePaging:  []string{"export PAGER=cat LANG=C"},
			ExitCommands:   []string{"exit"},
			Terminator:     "\n",
			CommandTimeout: 30 * time.Second,
		},
		{
			Name:             "cisco_ios",
			PromptSuffixes:   []string{">", "#"},
			ErrorHints:       []string{"invalid input detected", "incomplete command", "ambiguous command", "unknown command", "invalid autocommand", "line has invalid autocommand"},
			AutoInteractions: pagers,
			DisablePaging:    []string{"terminal length 0", "terminal width 511"},
			EnableCommand:    "enable",
			ExitCommands:     []string{"exit"},
			Terminator:       "\r\n",
			CommandTimeout:   60 * time.Second,
		},
		{
			Name:             "huawei",
			PromptSuffixes:   []string{">", "#", "]"},
			ErrorHints:       []string{"error:", "unrecognized command"},
			AutoInteractions: pagers,
			DisablePaging:    []string{"screen-length 0 temporary"},
			ExitCommands:     []string{"quit"},
			Terminator:       "\r\n",
			CommandTimeout:   60 * time.Second,
		},
		{
			Name:             "h3c",
			PromptSuffixes:   []string{">", "#", "]"},
			ErrorHints:       []string{"error:", "unrecognized command"},
			AutoInteractions: pagers,
			DisablePaging:    []string{"screen-length disable"},
			ExitCommands:     []string{"quit"},
			Terminator:       "\r\n",
			CommandTimeout:   75 * time.Second,
		},
	}
}

// Register 注册或替换一个预设
func Register(p Profile) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(p.Name)] = p
}

// Lookup 按名称查找；未命中时按家族前缀回退（huawei_s → huawei，h3c_msr → h3c）
func Lookup(name string) (Profile, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = Default
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	if p, ok := registry[key]; ok {
		return p, true
	}
	if family, _, found := strings.Cut(key, "_"); found {
		if p, ok := registry[family]; ok {
			p.Name = key
			return p, true
		}
	}
	return Profile{}, false
}

// Get 查找预设，不存在时返回 default
func Get(name string) Profile {
	if p, ok := Lookup(name); ok {
		return p
	}
	p, _ := Lookup(Default)
	return p
}

// Names 已注册的预设名称（排序）
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Override 配置文件中的平台覆盖项（platforms.<name>）
type Override struct {
	PromptSuffixes    []string          `mapstructure:"prompt_suffixes"`
	ErrorHints        []string          `mapstructure:"error_hints"`
	AutoInteractions  []AutoInteraction `mapstructure:"auto_interactions"`
	DisablePagingCmds []string          `mapstructure:"disable_paging_cmds"`
	EnableCLI         string            `mapstructure:"enable_cli"`
	EnableRequired    *bool             `mapstructure:"enable_required"`
	ExitCommands      []string          `mapstructure:"exit_commands"`
	Terminator        string            `mapstructure:"terminator"`
	CommandTimeout    time.Duration     `mapstructure:"command_timeout"`
}

// ApplyConfig 合并配置覆盖：已有预设（含家族回退）按字段覆盖，未知名称基于 default 新建
func ApplyConfig(overrides map[string]Override) {
	for name, o := range overrides {
		base, ok := Lookup(name)
		if !ok {
			base = Get(Default)
		}
		p := base.merge(o)
		p.Name = strings.ToLower(name)
		Register(p)
	}
}
