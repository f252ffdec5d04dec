package collect

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/logger"
	"github.com/sshcollectorpro/remotecollect/pkg/portcheck"
	"github.com/sshcollectorpro/remotecollect/pkg/snmp"
)

// 表格遍历默认取 OID 倒数第二个分量为行、最后一个为列
const (
	DefaultRowComponent = -2
	DefaultColComponent = -1
)

// SnmpOptions Snmp 门面配置
type SnmpOptions struct {
	Config snmp.Config
	// StrictBatch 任一查询失败即中止批次
	StrictBatch bool
	// Precheck 请求前探测 UDP 端口
	Precheck        bool
	PrecheckTimeout time.Duration
	Logger          *logrus.Entry
}

// Snmp 结构化查询门面，不经过交互会话
type Snmp struct {
	opts    SnmpOptions
	id      string
	log     *logrus.Entry
	client  *snmp.Client
	checked bool
}

// Row TWalk 的一行
type Row struct {
	Index  int   `json:"index"`
	Values []any `json:"values"`
}

// NewSNMP 校验参数并创建门面
func NewSNMP(opts SnmpOptions) (*Snmp, error) {
	if err := validate.Struct(opts.Config); err != nil {
		return nil, collecterr.InvalidCommand("validate", "", "invalid snmp target: %v", err)
	}
	s := &Snmp{opts: opts, id: uuid.NewString()}
	fields := logrus.Fields{"session": s.id, "host": opts.Config.Host, "proto": "snmp"}
	if opts.Logger != nil {
		s.log = opts.Logger.WithFields(fields)
	} else {
		s.log = logger.WithFields(fields)
	}
	client, err := snmp.NewClient(opts.Config, s.log)
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

// ID 门面实例标识
func (s *Snmp) ID() string { return s.id }

func (s *Snmp) precheck(ctx context.Context) error {
	if !s.opts.Precheck || s.checked {
		return nil
	}
	cfg := s.client.Config()
	err := portcheck.Precheck(ctx, cfg.Host, []portcheck.Probe{{Port: cfg.Port, Proto: portcheck.ProtoUDP}}, s.opts.PrecheckTimeout)
	if err != nil {
		return err
	}
	s.checked = true
	return nil
}

// Get 获取单个 OID；对象不存在时返回 nil
func (s *Snmp) Get(ctx context.Context, oid string) (any, error) {
	if err := s.precheck(ctx); err != nil {
		return nil, err
	}
	vars, err := s.client.Get(ctx, []string{oid})
	if err != nil {
		return nil, err
	}
	if vars[0].Err != nil {
		return nil, vars[0].Err
	}
	return vars[0].Value, nil
}

// Exists OID 是否存在；设备不可达时返回错误
func (s *Snmp) Exists(ctx context.Context, oid string) (bool, error) {
	if err := s.precheck(ctx); err != nil {
		return false, err
	}
	vars, err := s.client.Get(ctx, []string{oid})
	if err != nil {
		if collecterr.IsConnectionLevel(err) {
			return false, err
		}
		return false, nil
	}
	return vars[0].Err == nil && vars[0].Value != nil, nil
}

type mgetSlot struct {
	name   string
	ranged bool
	first  int
	count  int
}

// MGet 一次请求获取多个 OID（按 MaxOids 拆分）
// 范围写法 "<oid>.<n>-<m>[.<suffix>]" 的结果为 []any；整个请求失败时返回 nil 批次
func (s *Snmp) MGet(ctx context.Context, queries []Query) (*Batch[any], error) {
	b, err := newBatch[any](queries)
	if err != nil {
		return nil, err
	}
	var (
		oids  []string
		slots []mgetSlot
	)
	for _, q := range queries {
		expanded := []string{q.Command}
		ranged := snmp.IsRange(q.Command)
		if ranged {
			expanded, err = snmp.ExpandRange(q.Command)
		} else {
			expanded[0], err = snmp.ValidateOID(q.Command)
		}
		if err != nil {
			if s.opts.StrictBatch {
				return nil, err
			}
			b.set(q.Name, nil, err)
			continue
		}
		slots = append(slots, mgetSlot{name: q.Name, ranged: ranged, first: len(oids), count: len(expanded)})
		oids = append(oids, expanded...)
	}
	if len(oids) == 0 {
		return b, nil
	}
	if err := s.precheck(ctx); err != nil {
		return nil, err
	}
	vars, err := s.client.Get(ctx, oids)
	if err != nil {
		s.log.WithError(err).Error("mget aborted")
		return nil, err
	}

	for _, sl := range slots {
		part := vars[sl.first : sl.first+sl.count]
		var slotErr error
		for _, v := range part {
			if v.Err != nil {
				slotErr = v.Err
				break
			}
		}
		if slotErr != nil && s.opts.StrictBatch {
			return nil, slotErr
		}
		if !sl.ranged {
			b.set(sl.name, part[0].Value, slotErr)
			continue
		}
		values := make([]any, len(part))
		for i, v := range part {
			values[i] = v.Value
		}
		b.set(sl.name, values, slotErr)
	}
	return b, nil
}

// Walk 遍历一个子树
func (s *Snmp) Walk(ctx context.Context, root string) ([]snmp.Variable, error) {
	if err := s.precheck(ctx); err != nil {
		return nil, err
	}
	return s.client.Walk(ctx, root)
}

// MWalk 依次遍历多个子树；Command 为根 OID，Timeout 限制单次遍历
// 设备不可达时中止并返回 nil 批次
func (s *Snmp) MWalk(ctx context.Context, queries []Query) (*Batch[[]snmp.Variable], error) {
	b, err := newBatch[[]snmp.Variable](queries)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(ctx); err != nil {
		return nil, err
	}
	for _, q := range queries {
		wctx, cancel := ctx, context.CancelFunc(func() {})
		if q.Timeout > 0 {
			wctx, cancel = context.WithTimeout(ctx, q.Timeout)
		}
		vars, err := s.client.Walk(wctx, q.Command)
		cancel()
		if err != nil {
			if collecterr.IsConnectionLevel(err) || s.opts.StrictBatch {
				s.log.WithError(err).WithField("query", q.Name).Error("mwalk aborted")
				return nil, err
			}
			s.log.WithError(err).WithField("query", q.Name).Warn("walk failed")
		}
		b.set(q.Name, vars, err)
	}
	return b, nil
}

// DWalk 遍历子树并按 OID 分量组织为 行 → 列 → 值
// irow、icol 为分量下标，负数从末尾计数
func (s *Snmp) DWalk(ctx context.Context, root string, irow, icol int) (map[int]map[int]any, error) {
	vars, err := s.Walk(ctx, root)
	if err != nil {
		return nil, err
	}
	table := make(map[int]map[int]any)
	for _, v := range vars {
		row, err := snmp.Component(v.OID, irow)
		if err != nil {
			return nil, err
		}
		col, err := snmp.Component(v.OID, icol)
		if err != nil {
			return nil, err
		}
		cells, ok := table[row]
		if !ok {
			cells = make(map[int]any)
			table[row] = cells
		}
		if _, dup := cells[col]; !dup {
			cells[col] = v.Value
		}
	}
	return table, nil
}

// TWalk 以表格形式返回，行按索引排序
// cols 为空时取该行全部列（按列号排序），否则按 cols 顺序取值，缺失为 nil
func (s *Snmp) TWalk(ctx context.Context, root string, irow, icol int, cols []int) ([]Row, error) {
	table, err := s.DWalk(ctx, root, irow, icol)
	if err != nil {
		return nil, err
	}
	indexes := make([]int, 0, len(table))
	for idx := range table {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	rows := make([]Row, 0, len(indexes))
	for _, idx := range indexes {
		cells := table[idx]
		want := cols
		if len(want) == 0 {
			want = make([]int, 0, len(cells))
			for c := range cells {
				want = append(want, c)
			}
			sort.Ints(want)
		}
		row := Row{Index: idx, Values: make([]any, len(want))}
		for i, c := range want {
			row.Values[i] = cells[c]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Table JWalk 中的一张表，字段含义同 TWalk 参数
type Table struct {
	Root string
	Row  int
	Col  int
	Cols []int
}

// JWalk 逐张表执行 TWalk 并按行索引合并，行值按表的顺序拼接，行按索引排序
// 某行在某张表中缺失时，指定了 Cols 的表以 nil 补齐，未指定 Cols 的表不占位
func (s *Snmp) JWalk(ctx context.Context, tables []Table) ([]Row, error) {
	if len(tables) == 0 {
		return nil, collecterr.InvalidCommand("jwalk", "", "no table to join")
	}
	walked := make([]map[int][]any, len(tables))
	indexes := make(map[int]struct{})
	for i, t := range tables {
		rows, err := s.TWalk(ctx, t.Root, t.Row, t.Col, t.Cols)
		if err != nil {
			return nil, err
		}
		walked[i] = make(map[int][]any, len(rows))
		for _, r := range rows {
			walked[i][r.Index] = r.Values
			indexes[r.Index] = struct{}{}
		}
	}
	ids := make([]int, 0, len(indexes))
	for id := range indexes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	joined := make([]Row, 0, len(ids))
	for _, id := range ids {
		row := Row{Index: id}
		for i, t := range tables {
			values, ok := walked[i][id]
			if !ok {
				values = make([]any, len(t.Cols))
			}
			row.Values = append(row.Values, values...)
		}
		joined = append(joined, row)
	}
	return joined, nil
}

// Close 释放套接字，可重复调用
func (s *Snmp) Close() error {
	return s.client.Close()
}
