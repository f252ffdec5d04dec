// Package collect 提供面向插件作者的采集门面：Shell（SSH/Telnet/Expect）、Snmp 与本地命令
// 批量接口在一个会话上按顺序执行查询，单条查询失败记录在对应结果中，连接级失败中止整个批次
package collect

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

// Query 一条命名查询；Command 为命令行或 OID
type Query struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Q 构造查询
func Q(name, command string) Query { return Query{Name: name, Command: command} }

// Entry 批次中的一项
type Entry[T any] struct {
	Name  string
	Value T
	Err   error
}

// Batch 按调用顺序保存结果；输入中的每个名称都有对应条目
type Batch[T any] struct {
	entries []Entry[T]
	index   map[string]int
}

func newBatch[T any](queries []Query) (*Batch[T], error) {
	b := &Batch[T]{
		entries: make([]Entry[T], len(queries)),
		index:   make(map[string]int, len(queries)),
	}
	for i, q := range queries {
		if _, dup := b.index[q.Name]; dup {
			return nil, collecterr.InvalidCommand("batch", q.Command, "duplicate query name %q", q.Name)
		}
		b.index[q.Name] = i
		b.entries[i].Name = q.Name
	}
	return b, nil
}

func (b *Batch[T]) set(name string, v T, err error) {
	i, ok := b.index[name]
	if !ok {
		return
	}
	if ce, ok := err.(*collecterr.Error); ok && ce.Key == "" {
		err = ce.WithKey(name)
	}
	b.entries[i].Value = v
	b.entries[i].Err = err
}

// Keys 查询名称，按输入顺序
func (b *Batch[T]) Keys() []string {
	keys := make([]string, len(b.entries))
	for i, e := range b.entries {
		keys[i] = e.Name
	}
	return keys
}

// Get 返回结果与该查询的错误
func (b *Batch[T]) Get(name string) (T, error) {
	i, ok := b.index[name]
	if !ok {
		var zero T
		return zero, collecterr.InvalidCommand("batch", "", "unknown query %q", name)
	}
	return b.entries[i].Value, b.entries[i].Err
}

// Value 返回结果；失败的查询为零值
func (b *Batch[T]) Value(name string) T {
	v, _ := b.Get(name)
	return v
}

// Err 返回该查询的错误
func (b *Batch[T]) Err(name string) error {
	i, ok := b.index[name]
	if !ok {
		return nil
	}
	return b.entries[i].Err
}

// Errors 失败查询的错误
func (b *Batch[T]) Errors() map[string]error {
	errs := make(map[string]error)
	for _, e := range b.entries {
		if e.Err != nil {
			errs[e.Name] = e.Err
		}
	}
	return errs
}

// Len 条目数
func (b *Batch[T]) Len() int { return len(b.entries) }

// Entries 全部条目，按输入顺序
func (b *Batch[T]) Entries() []Entry[T] { return append([]Entry[T](nil), b.entries...) }

// Map 名称到结果的映射
func (b *Batch[T]) Map() map[string]T {
	m := make(map[string]T, len(b.entries))
	for _, e := range b.entries {
		m[e.Name] = e.Value
	}
	return m
}

// MarshalJSON 输出 {"results": {...}, "errors": {...}}，键保持输入顺序
func (b *Batch[T]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"results":{`)
	for i, e := range b.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writePair(&buf, e.Name, e.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`},"errors":{`)
	first := true
	for _, e := range b.entries {
		if e.Err == nil {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writePair(&buf, e.Name, e.Err.Error()); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

func writePair(buf *bytes.Buffer, key string, v any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}
