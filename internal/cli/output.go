package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/remotecollect/pkg/collect"
)

// queryFlags 子命令共用的批次参数
type queryFlags struct {
	queries []string
	timeout time.Duration
	strict  bool
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&q.queries, "query", "q", nil, "named query name=command, repeatable; order is kept")
	cmd.Flags().DurationVarP(&q.timeout, "timeout", "t", 0, "per-query timeout (0 uses the configured default)")
	cmd.Flags().BoolVar(&q.strict, "strict", false, "abort the whole batch on the first failed query")
}

// build 合并 --query 与位置参数；位置参数以自身为名
func (q *queryFlags) build(args []string) ([]collect.Query, error) {
	var out []collect.Query
	for _, raw := range q.queries {
		name, command, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(command) == "" {
			return nil, usageError(fmt.Errorf("invalid --query %q, want name=command", raw))
		}
		out = append(out, collect.Query{Name: name, Command: command, Timeout: q.timeout})
	}
	for _, a := range args {
		out = append(out, collect.Query{Name: a, Command: a, Timeout: q.timeout})
	}
	if len(out) == 0 {
		return nil, usageError(fmt.Errorf("no query given"))
	}
	return out, nil
}

// parseVars 解析重复的 key=value 参数
func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, usageError(fmt.Errorf("invalid --var %q, want name=value", p))
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// writeBatch 按 --output 输出批次；text 格式每条结果以 "== name ==" 分隔，失败写入 stderr
func writeBatch[T any](cmd *cobra.Command, b *collect.Batch[T], text func(T) string) error {
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), b)
	}
	for _, e := range b.Entries() {
		if e.Err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", e.Name, e.Err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "== %s ==\n%s\n", e.Name, strings.TrimRight(text(e.Value), "\n"))
	}
	return nil
}

func writeValue(cmd *cobra.Command, v any) error {
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), v)
	return err
}
