// Package portcheck 在会话建立前探测端口可达性，将防火墙问题与认证失败区分开
package portcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/localexec"
)

const (
	ProtoTCP = "tcp"
	ProtoUDP = "udp"

	DefaultTimeout = time.Second
	// maxParallel 并发探测上限
	maxParallel = 16
)

// Probe 一个待探测端口
type Probe struct {
	Port  int    `json:"port"`
	Proto string `json:"proto"`
}

func (p Probe) String() string {
	if p.Proto == ProtoUDP {
		return fmt.Sprintf("%d/udp", p.Port)
	}
	return strconv.Itoa(p.Port)
}

// Result 探测结果
type Result struct {
	Probe
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Err       error         `json:"-"`
}

// TCP 建立并立即关闭 TCP 连接；失败返回 PortUnreachable
func TCP(ctx context.Context, host string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, ProtoTCP, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return collecterr.PortUnreachable(host, port, ProtoTCP, err)
	}
	_ = conn.Close()
	return nil
}

// UDP 发送空数据报并等待响应
// 收到 ICMP 端口不可达判定为关闭；无应答视为 open|filtered，按可达处理
func UDP(ctx context.Context, host string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, ProtoUDP, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return collecterr.PortUnreachable(host, port, ProtoUDP, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	if _, err := conn.Write([]byte{0}); err != nil {
		return collecterr.PortUnreachable(host, port, ProtoUDP, err)
	}
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ECONNREFUSED):
		return collecterr.PortUnreachable(host, port, ProtoUDP, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return collecterr.PortUnreachable(host, port, ProtoUDP, err)
}

// Check 按协议探测一个端口
func Check(ctx context.Context, host string, p Probe, timeout time.Duration) Result {
	start := time.Now()
	var err error
	if p.Proto == ProtoUDP {
		err = UDP(ctx, host, p.Port, timeout)
	} else {
		p.Proto = ProtoTCP
		err = TCP(ctx, host, p.Port, timeout)
	}
	return Result{Probe: p, Reachable: err == nil, Latency: time.Since(start), Err: err}
}

// Scan 并发探测多个端口，结果顺序与输入一致
func Scan(ctx context.Context, host string, probes []Probe, timeout time.Duration) []Result {
	results := make([]Result, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, p := range probes {
		g.Go(func() error {
			results[i] = Check(gctx, host, p, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FirstUnreachable 按输入顺序返回第一个不可达的端口
func FirstUnreachable(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.Reachable {
			return r, true
		}
	}
	return Result{}, false
}

// Precheck 全部端口可达时返回 nil，否则返回第一个不可达端口的错误
func Precheck(ctx context.Context, host string, probes []Probe, timeout time.Duration) error {
	if len(probes) == 0 {
		return nil
	}
	if r, bad := FirstUnreachable(Scan(ctx, host, probes, timeout)); bad {
		return r.Err
	}
	return nil
}

// ParsePorts 解析 "22,23,161/udp" 形式的端口列表
func ParsePorts(s string) ([]Probe, error) {
	var probes []Probe
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		num, proto, found := strings.Cut(field, "/")
		proto = strings.ToLower(strings.TrimSpace(proto))
		if !found {
			proto = ProtoTCP
		}
		if proto != ProtoTCP && proto != ProtoUDP {
			return nil, fmt.Errorf("invalid protocol %q in port %q", proto, field)
		}
		port, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", field)
		}
		probes = append(probes, Probe{Port: port, Proto: proto})
	}
	return probes, nil
}

// Ping 发送一个 ICMP echo（系统 ping 命令），超时或非零退出码返回 false
func Ping(ctx context.Context, host string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	res, err := localexec.Run(ctx, localexec.Argv("ping", "-c", "1", host), timeout)
	return err == nil && res.ExitCode == 0
}
