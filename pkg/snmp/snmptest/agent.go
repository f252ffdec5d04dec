// Package snmptest 提供进程内的 SNMP v1/v2c 模拟代理，用于采集层测试
package snmptest

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gosnmp/gosnmp"
)

// Agent 基于 UDP 的模拟代理，支持 GET、GETNEXT、GETBULK
type Agent struct {
	community string
	conn      net.PacketConn

	mu       sync.Mutex
	oids     []string
	values   map[string]gosnmp.SnmpPDU
	failures map[string]gosnmp.SNMPError
	requests int
	silent   bool

	wg sync.WaitGroup
}

// NewAgent 在 127.0.0.1 随机端口启动代理
// pdus 的 Name 为数字 OID，Value 使用 gosnmp 可编码的类型（Integer 为 int，OctetString 为 []byte）
func NewAgent(community string, pdus []gosnmp.SnmpPDU) (*Agent, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	a := &Agent{
		community: community,
		conn:      conn,
		values:    make(map[string]gosnmp.SnmpPDU, len(pdus)),
		failures:  make(map[string]gosnmp.SNMPError),
	}
	for _, pdu := range pdus {
		name := strings.TrimPrefix(pdu.Name, ".")
		pdu.Name = name
		a.values[name] = pdu
		a.oids = append(a.oids, name)
	}
	sort.Slice(a.oids, func(i, j int) bool { return less(a.oids[i], a.oids[j]) })
	a.wg.Add(1)
	go a.serve()
	return a, nil
}

// Port 监听端口
func (a *Agent) Port() int { return a.conn.LocalAddr().(*net.UDPAddr).Port }

// Requests 已处理的请求数
func (a *Agent) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// FailOn 包含该 OID 的 GET 请求返回指定错误状态
func (a *Agent) FailOn(oid string, status gosnmp.SNMPError) {
	a.mu.Lock()
	a.failures[strings.TrimPrefix(oid, ".")] = status
	a.mu.Unlock()
}

// Silence 之后的请求不再应答（模拟设备失联）
func (a *Agent) Silence() {
	a.mu.Lock()
	a.silent = true
	a.mu.Unlock()
}

// Close 停止代理
func (a *Agent) Close() {
	_ = a.conn.Close()
	a.wg.Wait()
}

func (a *Agent) serve() {
	defer a.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := a.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		dec := &gosnmp.GoSNMP{Version: gosnmp.Version2c, Community: a.community}
		req, err := dec.SnmpDecodePacket(append([]byte(nil), buf[:n]...))
		if err != nil || req.Community != a.community {
			continue
		}
		resp := a.handle(req)
		if resp == nil {
			continue
		}
		out, err := resp.MarshalMsg()
		if err != nil {
			continue
		}
		_, _ = a.conn.WriteTo(out, addr)
	}
}

func (a *Agent) handle(req *gosnmp.SnmpPacket) *gosnmp.SnmpPacket {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.silent {
		return nil
	}
	a.requests++

	resp := &gosnmp.SnmpPacket{
		Version:   req.Version,
		Community: req.Community,
		PDUType:   gosnmp.GetResponse,
		RequestID: req.RequestID,
	}
	switch req.PDUType {
	case gosnmp.GetRequest:
		for i, v := range req.Variables {
			name := strings.TrimPrefix(v.Name, ".")
			if status, ok := a.failures[name]; ok {
				resp.Error = status
				resp.ErrorIndex = uint8(i + 1)
				resp.Variables = req.Variables
				return resp
			}
			pdu, ok := a.values[name]
			if !ok {
				if req.Version == gosnmp.Version1 {
					resp.Error = gosnmp.NoSuchName
					resp.ErrorIndex = uint8(i + 1)
					resp.Variables = req.Variables
					return resp
				}
				pdu = gosnmp.SnmpPDU{Name: name, Type: gosnmp.NoSuchInstance}
			}
			resp.Variables = append(resp.Variables, pdu)
		}
	case gosnmp.GetNextRequest:
		for i, v := range req.Variables {
			pdu, ok := a.next(v.Name)
			if !ok {
				if req.Version == gosnmp.Version1 {
					resp.Error = gosnmp.NoSuchName
					resp.ErrorIndex = uint8(i + 1)
					resp.Variables = req.Variables
					return resp
				}
				pdu = gosnmp.SnmpPDU{Name: strings.TrimPrefix(v.Name, "."), Type: gosnmp.EndOfMibView}
			}
			resp.Variables = append(resp.Variables, pdu)
		}
	case gosnmp.GetBulkRequest:
		reps := int(req.MaxRepetitions)
		if reps <= 0 {
			reps = 10
		}
		for _, v := range req.Variables {
			cur := v.Name
			for r := 0; r < reps; r++ {
				pdu, ok := a.next(cur)
				if !ok {
					resp.Variables = append(resp.Variables, gosnmp.SnmpPDU{Name: strings.TrimPrefix(cur, "."), Type: gosnmp.EndOfMibView})
					break
				}
				resp.Variables = append(resp.Variables, pdu)
				cur = pdu.Name
			}
		}
	default:
		return nil
	}
	return resp
}

func (a *Agent) next(oid string) (gosnmp.SnmpPDU, bool) {
	oid = strings.TrimPrefix(oid, ".")
	i := sort.Search(len(a.oids), func(i int) bool { return less(oid, a.oids[i]) })
	if i >= len(a.oids) {
		return gosnmp.SnmpPDU{}, false
	}
	return a.values[a.oids[i]], true
}

func less(a, b string) bool {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		x, _ := strconv.ParseUint(pa[i], 10, 64)
		y, _ := strconv.ParseUint(pb[i], 10, 64)
		if x != y {
			return x < y
		}
	}
	return len(pa) < len(pb)
}

// String 构造 OctetString 变量
func String(oid, value string) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.OctetString, Value: []byte(value)}
}

// Int 构造 Integer 变量
func Int(oid string, value int) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Integer, Value: value}
}
