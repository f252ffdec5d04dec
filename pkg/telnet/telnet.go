package telnet

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// telnet 命令字节
const (
	cmdSE   = 240
	cmdSB   = 250
	cmdWILL = 251
	cmdWONT = 252
	cmdDO   = 253
	cmdDONT = 254
	cmdIAC  = 255
)

// 选项
const (
	optEcho  = 1
	optSGA   = 3
	optTType = 24
)

const (
	ttypeIS   = 0
	ttypeSEND = 1
)

// 读取解析状态
const (
	stData = iota
	stIAC
	stOpt
	stSB
	stSBIAC
)

// Conn 处理 telnet 选项协商的连接：读取时剥离 IAC 序列，写入时转义 0xFF
// 接受服务端 ECHO/SGA，终端类型协商回复 TerminalType，其余一律拒绝
type Conn struct {
	conn     net.Conn
	termType string

	wmu sync.Mutex

	raw     []byte
	state   int
	cmd     byte
	sb      []byte
	replied map[[2]byte]bool
}

// DefaultTerminalType 终端类型协商默认值
const DefaultTerminalType = "vt100"

// Dial 建立 telnet 连接
func Dial(ctx context.Context, host string, port int, timeout time.Duration, termType string) (*Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	c, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewConn(c, termType), nil
}

// NewConn 包装已建立的连接
func NewConn(c net.Conn, termType string) *Conn {
	if termType == "" {
		termType = DefaultTerminalType
	}
	return &Conn{
		conn:     c,
		termType: termType,
		raw:      make([]byte, 4096),
		replied:  make(map[[2]byte]bool),
	}
}

// Read 返回去除协商序列后的数据；仅收到协商序列时继续读取
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := c.conn.Read(c.raw[:min(len(c.raw), max(len(p), 1))])
		out := 0
		if n > 0 {
			var werr error
			out, werr = c.parse(c.raw[:n], p)
			if werr != nil && err == nil {
				err = werr
			}
		}
		if out > 0 || err != nil {
			return out, err
		}
	}
}

// parse 解析原始字节，数据写入 p；p 不小于 raw 片段长度
func (c *Conn) parse(raw, p []byte) (int, error) {
	out := 0
	var replies []byte
	for _, b := range raw {
		switch c.state {
		case stData:
			if b == cmdIAC {
				c.state = stIAC
				continue
			}
			p[out] = b
			out++
		case stIAC:
			switch b {
			case cmdIAC:
				p[out] = cmdIAC
				out++
				c.state = stData
			case cmdWILL, cmdWONT, cmdDO, cmdDONT:
				c.cmd = b
				c.state = stOpt
			case cmdSB:
				c.sb = c.sb[:0]
				c.state = stSB
			default:
				c.state = stData
			}
		case stOpt:
			replies = append(replies, c.negotiate(c.cmd, b)...)
			c.state = stData
		case stSB:
			if b == cmdIAC {
				c.state = stSBIAC
				continue
			}
			c.sb = append(c.sb, b)
		case stSBIAC:
			switch b {
			case cmdSE:
				replies = append(replies, c.subnegotiate()...)
				c.state = stData
			case cmdIAC:
				c.sb = append(c.sb, cmdIAC)
				c.state = stSB
			default:
				c.state = stSB
			}
		}
	}
	if len(replies) > 0 {
		if err := c.writeRaw(replies); err != nil {
			return out, err
		}
	}
	return out, nil
}

// negotiate 对每个 (命令, 选项) 只应答一次，避免协商循环
func (c *Conn) negotiate(cmd, opt byte) []byte {
	key := [2]byte{cmd, opt}
	if c.replied[key] {
		return nil
	}
	c.replied[key] = true
	switch cmd {
	case cmdDO:
		if opt == optTType {
			return []byte{cmdIAC, cmdWILL, opt}
		}
		return []byte{cmdIAC, cmdWONT, opt}
	case cmdWILL:
		if opt == optEcho || opt == optSGA {
			return []byte{cmdIAC, cmdDO, opt}
		}
		return []byte{cmdIAC, cmdDONT, opt}
	}
	return nil
}

func (c *Conn) subnegotiate() []byte {
	if len(c.sb) >= 2 && c.sb[0] == optTType && c.sb[1] == ttypeSEND {
		reply := []byte{cmdIAC, cmdSB, optTType, ttypeIS}
		reply = append(reply, c.termType...)
		return append(reply, cmdIAC, cmdSE)
	}
	return nil
}

func (c *Conn) writeRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Write 写入数据，0xFF 按协议转义
func (c *Conn) Write(p []byte) (int, error) {
	data := p
	if bytes.IndexByte(p, cmdIAC) >= 0 {
		data = bytes.ReplaceAll(p, []byte{cmdIAC}, []byte{cmdIAC, cmdIAC})
	}
	if err := c.writeRaw(data); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close 关闭连接
func (c *Conn) Close() error {
	return c.conn.Close()
}
