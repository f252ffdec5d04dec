package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 命令输出的头部和尾部行
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
	Total     int      `json:"total"`
}

// ParseOutputLines 提取输出的头部和尾部行，head/tail 各不超过 maxLines
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return OutputLines{}
	}
	lines := strings.Split(output, "\n")
	total := len(lines)

	headCount := min(maxLines, total)
	res := OutputLines{Total: total, HeadLines: append([]string(nil), lines[:headCount]...)}
	// 行数不超过 maxLines 时 tail 为空，避免重复
	if total > maxLines {
		res.TailLines = append([]string(nil), lines[total-min(maxLines, total-headCount):]...)
	}
	return res
}

// FormatOutputLines 格式化为单行日志文本
func FormatOutputLines(lines OutputLines) string {
	var parts []string
	if len(lines.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(lines.HeadLines, " ⟩ ")+"]")
	}
	if len(lines.TailLines) > 0 {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

// DebugCommandOutput 在 debug 级别记录命令输出摘要
func DebugCommandOutput(entry *logrus.Entry, command string, output string, maxLines int) {
	if entry == nil {
		entry = logrus.NewEntry(GetLogger())
	}
	if !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	lines := ParseOutputLines(output, maxLines)
	if lines.Total == 0 {
		entry.WithField("command", command).Debug("command output empty")
		return
	}
	entry.WithFields(logrus.Fields{
		"command": command,
		"lines":   lines.Total,
	}).Debug("command output " + FormatOutputLines(lines))
}
