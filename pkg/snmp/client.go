package snmp

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/logger"
)

// Variable 一个 OID 的采集结果；Value 为 nil 表示对象不存在
type Variable struct {
	OID   string `json:"oid"`
	Type  string `json:"type"`
	Value any    `json:"value"`
	// Err 仅在请求级别的错误状态无法归到其他 OID 时设置
	Err error `json:"-"`
}

// Client SNMP 客户端，一个实例对应一个目标
type Client struct {
	cfg       Config
	g         *gosnmp.GoSNMP
	log       *logrus.Entry
	connected bool
}

// NewClient 创建客户端，此时尚未建立 UDP 套接字
func NewClient(cfg Config, log *logrus.Entry) (*Client, error) {
	cfg = cfg.withDefaults()
	g, err := newGoSNMP(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.WithField("proto", "snmp")
	}
	return &Client{cfg: cfg, g: g, log: log.WithField("target", cfg.String())}, nil
}

// Config 生效的配置（已填充默认值）
func (c *Client) Config() Config { return c.cfg }

// Connect 建立 UDP 套接字；UDP 无握手，设备是否可达在首次请求时才能得知
func (c *Client) Connect() error {
	if c.connected {
		return nil
	}
	if err := c.g.Connect(); err != nil {
		return collecterr.Connection("snmp", err, "snmp connect %s", c.cfg)
	}
	c.connected = true
	return nil
}

// Close 关闭套接字，可重复调用
func (c *Client) Close() error {
	if !c.connected {
		return nil
	}
	c.connected = false
	if c.g.Conn != nil {
		return c.g.Conn.Close()
	}
	return nil
}

func (c *Client) prepare(ctx context.Context) error {
	if err := c.Connect(); err != nil {
		return err
	}
	c.g.Context = ctx
	return nil
}

// Get 获取一组 OID，按 MaxOids 拆分请求；结果顺序与输入一致
// 传输失败（超时、拒绝）返回 ConnectionError；请求级错误状态会逐个重试以定位出错的 OID
func (c *Client) Get(ctx context.Context, oids []string) ([]Variable, error) {
	norm := make([]string, len(oids))
	for i, oid := range oids {
		n, err := ValidateOID(oid)
		if err != nil {
			return nil, err
		}
		norm[i] = n
	}
	if err := c.prepare(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	out := make([]Variable, 0, len(norm))
	for i := 0; i < len(norm); i += c.cfg.MaxOids {
		end := min(i+c.cfg.MaxOids, len(norm))
		vars, err := c.getBatch(norm[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vars...)
	}
	c.log.WithFields(logrus.Fields{
		"oids":        len(norm),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("snmp get completed")
	return out, nil
}

func (c *Client) getBatch(oids []string) ([]Variable, error) {
	pkt, err := c.g.Get(oids)
	if err != nil {
		return nil, c.classify("get", err)
	}
	if pkt.Error != gosnmp.NoError {
		if len(oids) > 1 {
			out := make([]Variable, 0, len(oids))
			for _, oid := range oids {
				vars, err := c.getBatch([]string{oid})
				if err != nil {
					return nil, err
				}
				out = append(out, vars...)
			}
			return out, nil
		}
		if pkt.Error == gosnmp.NoSuchName {
			// v1 用错误状态表示实例不存在
			return []Variable{{OID: oids[0], Type: TypeName(gosnmp.NoSuchInstance)}}, nil
		}
		return []Variable{{
			OID: oids[0],
			Err: collecterr.Collect("get", nil, "%v at %s", pkt.Error, oids[0]),
		}}, nil
	}

	byOID := make(map[string]gosnmp.SnmpPDU, len(pkt.Variables))
	for _, pdu := range pkt.Variables {
		byOID[NormalizeOID(pdu.Name)] = pdu
	}
	out := make([]Variable, len(oids))
	for i, oid := range oids {
		pdu, ok := byOID[oid]
		if !ok {
			out[i] = Variable{OID: oid, Type: TypeName(gosnmp.NoSuchInstance)}
			continue
		}
		out[i] = Variable{OID: oid, Type: TypeName(pdu.Type), Value: ToNative(pdu)}
	}
	return out, nil
}

// Walk 遍历 root 子树：v2c/v3 使用 GETBULK，v1 使用 GETNEXT
// 结果只含 root 子树内的变量，按 OID 数值排序
func (c *Client) Walk(ctx context.Context, root string) ([]Variable, error) {
	norm, err := ValidateOID(root)
	if err != nil {
		return nil, err
	}
	if err := c.prepare(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	var pdus []gosnmp.SnmpPDU
	if c.g.Version == gosnmp.Version1 {
		pdus, err = c.g.WalkAll(norm)
	} else {
		pdus, err = c.g.BulkWalkAll(norm)
	}
	if err != nil {
		return nil, c.classify("walk", err)
	}

	out := subtree(norm, pdus)
	if dropped := len(pdus) - len(out); dropped > 0 {
		c.log.WithFields(logrus.Fields{"root": norm, "dropped": dropped}).Debug("snmp walk skipped missing or out-of-subtree varbinds")
	}
	c.log.WithFields(logrus.Fields{
		"root":        norm,
		"count":       len(out),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("snmp walk completed")
	return out, nil
}

// subtree 丢弃缺失值与 root 子树之外的变量（部分代理在表尾越界返回），按 OID 排序
func subtree(root string, pdus []gosnmp.SnmpPDU) []Variable {
	out := make([]Variable, 0, len(pdus))
	for _, pdu := range pdus {
		oid := NormalizeOID(pdu.Name)
		if IsMissing(pdu.Type) || !HasPrefix(oid, root) {
			continue
		}
		out = append(out, Variable{OID: oid, Type: TypeName(pdu.Type), Value: ToNative(pdu)})
	}
	slices.SortStableFunc(out, func(a, b Variable) int { return CompareOID(a.OID, b.OID) })
	return out
}

// classify 区分传输失败与协议层错误
func (c *Client) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return collecterr.Timeout(op, "", "snmp %s %s: %v", op, c.cfg, err)
	}
	if isTransportError(err) {
		c.log.WithError(err).Warnf("snmp %s failed", op)
		return collecterr.Connection(op, err, "snmp %s %s", op, c.cfg)
	}
	return collecterr.Collect(op, err, "snmp %s %s", op, c.cfg)
}

func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "refused", "unreachable", "no route", "i/o", "connection"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
