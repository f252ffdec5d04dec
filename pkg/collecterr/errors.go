package collecterr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 采集错误类别
type Kind int

const (
	// KindCollect 通用采集错误（本地进程、SNMP 查询等）
	KindCollect Kind = iota
	// KindNotConnected 会话未进入可用状态
	KindNotConnected
	// KindConnection 传输层错误（拒绝、重置、DNS、认证、主机密钥）
	KindConnection
	// KindTimeout 已连接状态下单个操作超时
	KindTimeout
	// KindUnexpectedResult 目标返回了匹配错误模式的内容
	KindUnexpectedResult
	// KindInvalidCommand 命令或查询本身不合法（空命令、非法 OID）
	KindInvalidCommand
)

// 哨兵错误，供 errors.Is 判断类别
var (
	ErrCollect          = errors.New("collect error")
	ErrNotConnected     = errors.New("not connected")
	ErrConnection       = errors.New("connection error")
	ErrTimeout          = errors.New("timeout")
	ErrUnexpectedResult = errors.New("unexpected result")
	ErrInvalidCommand   = errors.New("invalid command")
	// ErrPortUnreachable 端口预检失败，同时也是 ErrConnection
	ErrPortUnreachable = errors.New("port unreachable")
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "NotConnected"
	case KindConnection:
		return "ConnectionError"
	case KindTimeout:
		return "TimeoutError"
	case KindUnexpectedResult:
		return "UnexpectedResultError"
	case KindInvalidCommand:
		return "InvalidCommand"
	default:
		return "CollectError"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotConnected:
		return ErrNotConnected
	case KindConnection:
		return ErrConnection
	case KindTimeout:
		return ErrTimeout
	case KindUnexpectedResult:
		return ErrUnexpectedResult
	case KindInvalidCommand:
		return ErrInvalidCommand
	default:
		return ErrCollect
	}
}

// Error 采集错误
// Op 为发生错误的操作（connect/run/get/walk/exec...），Key 为批量查询中的名称
type Error struct {
	Kind    Kind
	Op      string
	Key     string
	Command string
	Detail  string
	// Port 非 0 表示端口预检失败
	Port int
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" [" + e.Op + "]")
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " query=%s", e.Key)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, " command=%q", e.Command)
	}
	if e.Port != 0 {
		fmt.Fprintf(&b, " port=%d", e.Port)
	}
	if e.Detail != "" {
		b.WriteString(": " + e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 支持 errors.Is(err, ErrTimeout) 等类别判断；所有类别都匹配 ErrCollect
func (e *Error) Is(target error) bool {
	if target == ErrCollect {
		return true
	}
	if target == ErrPortUnreachable {
		return e.Port != 0
	}
	return target == e.Kind.sentinel()
}

// WithKey 返回带查询名称的副本
func (e *Error) WithKey(key string) *Error {
	cp := *e
	cp.Key = key
	return &cp
}

func newErr(kind Kind, op string, err error, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// NotConnected 构造 NotConnected 错误
func NotConnected(op, format string, args ...any) *Error {
	return newErr(KindNotConnected, op, nil, format, args...)
}

// Connection 构造 ConnectionError，包装底层传输错误
func Connection(op string, err error, format string, args ...any) *Error {
	return newErr(KindConnection, op, err, format, args...)
}

// Timeout 构造 TimeoutError
func Timeout(op, command string, format string, args ...any) *Error {
	e := newErr(KindTimeout, op, nil, format, args...)
	e.Command = command
	return e
}

// Unexpected 构造 UnexpectedResultError，detail 保留目标返回的错误文本
func Unexpected(op, command, detail string) *Error {
	return &Error{Kind: KindUnexpectedResult, Op: op, Command: command, Detail: detail}
}

// Collect 构造通用 CollectError
func Collect(op string, err error, format string, args ...any) *Error {
	return newErr(KindCollect, op, err, format, args...)
}

// InvalidCommand 构造 InvalidCommand 错误
func InvalidCommand(op, command, format string, args ...any) *Error {
	e := newErr(KindInvalidCommand, op, nil, format, args...)
	e.Command = command
	return e
}

// PortUnreachable 构造端口预检失败错误（属于 ConnectionError）
func PortUnreachable(host string, port int, proto string, err error) *Error {
	return &Error{
		Kind:   KindConnection,
		Op:     "precheck",
		Port:   port,
		Detail: fmt.Sprintf("%s port %s/%d is closed or filtered, check firewall rules", proto, host, port),
		Err:    err,
	}
}

// KindOf 返回错误类别；非采集错误返回 KindCollect 与 false
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return KindCollect, false
}

// IsConnectionLevel 判断是否为连接级错误（需要中止批量）
func IsConnectionLevel(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnection)
}

// IsQueryLevel 判断是否为单条查询级错误（批量中降级记录）
func IsQueryLevel(err error) bool {
	return errors.Is(err, ErrUnexpectedResult) || errors.Is(err, ErrInvalidCommand)
}
