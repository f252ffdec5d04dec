package snmp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/snmp/snmptest"
)

const (
	sysDescr = "1.3.6.1.2.1.1.1.0"
	sysName  = "1.3.6.1.2.1.1.5.0"
)

func ifTable() []gosnmp.SnmpPDU {
	return []gosnmp.SnmpPDU{
		snmptest.String(sysDescr, "Huawei VRP S5735"),
		snmptest.String(sysName, "core-sw01"),
		snmptest.String("1.3.6.1.2.1.2.2.1.2.1", "GE0/0/1"),
		snmptest.String("1.3.6.1.2.1.2.2.1.2.2", "GE0/0/2"),
		snmptest.Int("1.3.6.1.2.1.2.2.1.8.1", 1),
		snmptest.Int("1.3.6.1.2.1.2.2.1.8.2", 2),
		snmptest.String("1.3.6.1.2.1.31.1.1.1.1.1", "GE0/0/1"),
	}
}

func startAgent(t *testing.T) *snmptest.Agent {
	a, err := snmptest.NewAgent("public", ifTable())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func newClient(t *testing.T, port int, version string) *Client {
	c, err := NewClient(Config{
		Host: "127.0.0.1", Port: port, Version: version, Community: "public",
		Timeout: 500 * time.Millisecond, Retries: 0,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGet(t *testing.T) {
	a := startAgent(t)
	c := newClient(t, a.Port(), "2c")

	vars, err := c.Get(context.Background(), []string{sysName, sysDescr, "1.3.6.1.2.1.1.99.0"})
	require.NoError(t, err)
	require.Len(t, vars, 3)
	assert.Equal(t, "core-sw01", vars[0].Value, "结果顺序与请求一致")
	assert.Equal(t, "Huawei VRP S5735", vars[1].Value)
	assert.Nil(t, vars[2].Value, "不存在的实例为 nil")
	assert.Equal(t, "NoSuchInstance", vars[2].Type)
}

func TestGetSplitsByMaxOids(t *testing.T) {
	a := startAgent(t)
	c, err := NewClient(Config{Host: "127.0.0.1", Port: a.Port(), Timeout: 500 * time.Millisecond, MaxOids: 2}, nil)
	require.NoError(t, err)
	defer c.Close()

	oids, err := ExpandRange("1.3.6.1.2.1.1.1-5.0")
	require.NoError(t, err)
	vars, err := c.Get(context.Background(), oids)
	require.NoError(t, err)
	assert.Len(t, vars, 5)
	assert.Equal(t, 3, a.Requests(), "5 个 OID 按 2 个一批拆成 3 个请求")
}

func TestGetErrorStatusFallsBackPerOID(t *testing.T) {
	a := startAgent(t)
	a.FailOn(sysName, gosnmp.GenErr)
	c := newClient(t, a.Port(), "2c")

	vars, err := c.Get(context.Background(), []string{sysDescr, sysName})
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "Huawei VRP S5735", vars[0].Value)
	assert.NoError(t, vars[0].Err)
	assert.ErrorIs(t, vars[1].Err, collecterr.ErrCollect, "只有出错的 OID 带错误")
}

func TestGetV1NoSuchName(t *testing.T) {
	a := startAgent(t)
	c := newClient(t, a.Port(), "1")

	vars, err := c.Get(context.Background(), []string{sysDescr, "1.3.6.1.2.1.1.99.0"})
	require.NoError(t, err)
	assert.Equal(t, "Huawei VRP S5735", vars[0].Value)
	assert.Nil(t, vars[1].Value)
	assert.NoError(t, vars[1].Err)
}

func TestWalk(t *testing.T) {
	a := startAgent(t)
	for _, version := range []string{"1", "2c"} {
		c := newClient(t, a.Port(), version)
		vars, err := c.Walk(context.Background(), "1.3.6.1.2.1.2.2.1.2")
		require.NoError(t, err, version)
		require.Len(t, vars, 2, version)
		assert.Equal(t, "1.3.6.1.2.1.2.2.1.2.1", vars[0].OID)
		assert.Equal(t, "GE0/0/2", vars[1].Value)
	}
}

func TestUnreachable(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())

	c := newClient(t, port, "2c")
	start := time.Now()
	_, err = c.Get(context.Background(), []string{sysDescr})
	require.Error(t, err)
	assert.ErrorIs(t, err, collecterr.ErrConnection)
	assert.Less(t, time.Since(start), 3*time.Second)

	a := startAgent(t)
	a.Silence()
	c = newClient(t, a.Port(), "2c")
	_, err = c.Walk(context.Background(), "1.3.6.1.2.1.2")
	assert.ErrorIs(t, err, collecterr.ErrConnection, "无应答视为连接失败")
}

func TestMalformedOID(t *testing.T) {
	c := newClient(t, 161, "2c")
	_, err := c.Get(context.Background(), []string{"1.3.x"})
	kind, ok := collecterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, collecterr.KindCollect, kind)
}
