package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config SSH 传输配置
type Config struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	// KnownHostsFile 为空时主机密钥只在进程内记录
	KnownHostsFile string
	// StrictHostKey 为 true 时拒绝未知主机，否则首次连接自动接受
	StrictHostKey bool
	// Terminals PTY 终端类型，按序尝试
	Terminals      []string
	TerminalWidth  int
	TerminalHeight int
}

// DefaultTerminals 终端类型回退顺序，优先 vt100 兼容网络设备 CLI
var DefaultTerminals = []string{"vt100", "xterm", "ansi", "dumb"}

// ConnectionInfo SSH 连接信息
type ConnectionInfo struct {
	Host       string
	Port       int
	Username   string
	Password   string
	KeyFile    string
	PrivateKey string
	Passphrase string
}

// CommandResult 非交互执行结果，退出码是数据而非错误
type CommandResult struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Client SSH 客户端
type Client struct {
	config   *Config
	hostKeys *HostKeyStore

	mutex      sync.Mutex
	connection *ssh.Client
	// 保存最近一次成功连接的参数，会话创建返回 EOF 时用于重连
	info   *ConnectionInfo
	cancel context.CancelFunc
}

// NewClient 创建 SSH 客户端
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		config:   config,
		hostKeys: NewHostKeyStore(config.KnownHostsFile, config.StrictHostKey),
	}
}

func (c *Client) clientConfig(info *ConnectionInfo) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            info.Username,
		HostKeyCallback: c.hostKeys.Callback(),
		Timeout:         c.config.ConnectTimeout,
		Config: ssh.Config{
			// 兼容旧设备的密钥交换算法
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"diffie-hellman-group1-sha1",
			},
			Ciphers: []string{
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"chacha20-poly1305@openssh.com",
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-cbc",
				"aes192-cbc",
				"aes256-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha2-512",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
		},
	}

	var methods []ssh.AuthMethod
	signer, err := loadSigner(info)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if info.Password != "" {
		// password 与 keyboard-interactive 同时提供，网络设备常只支持后者
		methods = append(methods,
			ssh.Password(info.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = info.Password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method provided (password or private key required)")
	}
	cfg.Auth = methods
	return cfg, nil
}

func loadSigner(info *ConnectionInfo) (ssh.Signer, error) {
	pemBytes := []byte(info.PrivateKey)
	if len(pemBytes) == 0 && info.KeyFile != "" {
		b, err := os.ReadFile(info.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		pemBytes = b
	}
	if len(pemBytes) == 0 {
		return nil, nil
	}
	var (
		signer ssh.Signer
		err    error
	)
	if info.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(info.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// Connect 建立 SSH 连接并完成认证
func (c *Client) Connect(ctx context.Context, info *ConnectionInfo) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connectLocked(ctx, info)
}

func (c *Client) connectLocked(ctx context.Context, info *ConnectionInfo) error {
	cfg, err := c.clientConfig(info)
	if err != nil {
		return err
	}
	address := net.JoinHostPort(info.Host, strconv.Itoa(info.Port))
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	// 握手阶段同样受连接超时约束
	deadline := time.Now().Add(c.config.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SSH connection: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.connection = ssh.NewClient(sshConn, chans, reqs)
	c.info = info

	kctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.keepAlive(kctx, c.connection)
	return nil
}

// newSession 创建会话（带重试）
// 部分网络设备登录后立即打开通道会返回 "administratively prohibited" 或 EOF，短延迟重试
func (c *Client) newSession(ctx context.Context) (*ssh.Session, error) {
	backoffs := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, time.Second}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		c.mutex.Lock()
		conn := c.connection
		if conn == nil {
			c.mutex.Unlock()
			return nil, errors.New("SSH connection not established")
		}
		sess, err := conn.NewSession()
		if err == nil {
			c.mutex.Unlock()
			return sess, nil
		}
		lastErr = err
		if strings.Contains(strings.ToLower(err.Error()), "eof") && c.info != nil {
			// 连接已失效，按保存的参数重连一次
			c.closeLocked()
			if rerr := c.connectLocked(ctx, c.info); rerr != nil {
				c.mutex.Unlock()
				return nil, fmt.Errorf("reconnect after %v: %w", err, rerr)
			}
		}
		c.mutex.Unlock()
	}
	return nil, fmt.Errorf("failed to create session: %w", lastErr)
}

// Exec 在独立会话中执行一条命令（非 PTY）
// ctx 结束时向远端发送 KILL 并关闭会话
func (c *Client) Exec(ctx context.Context, command string) (*CommandResult, error) {
	session, err := c.newSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	start := time.Now()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, ctx.Err()
	}

	result := &CommandResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitStatus()
		case errors.As(err, &missing):
			result.ExitCode = -1
		default:
			return result, fmt.Errorf("command failed: %w", err)
		}
	}
	return result, nil
}

// Close 关闭 SSH 连接
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.connection == nil {
		return nil
	}
	err := c.connection.Close()
	c.connection = nil
	return err
}

// IsConnected 发送 keepalive 请求检查连接，不创建会话以免触发设备会话数限制
func (c *Client) IsConnected() bool {
	c.mutex.Lock()
	conn := c.connection
	c.mutex.Unlock()
	if conn == nil {
		return false
	}
	_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// keepAlive 定期发送保活请求，失败时关闭连接
func (c *Client) keepAlive(ctx context.Context, conn *ssh.Client) {
	if c.config.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 不支持该请求的设备会回复失败，但连接仍然可用，只关心传输错误
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.mutex.Lock()
				if c.connection == conn {
					_ = c.closeLocked()
				}
				c.mutex.Unlock()
				return
			}
		}
	}
}
