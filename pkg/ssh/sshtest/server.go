// Package sshtest 提供进程内的模拟 SSH 设备，用于传输层与采集层测试
package sshtest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Device 模拟设备的行为
type Device struct {
	// Users 用户名到口令
	Users map[string]string
	// Prompt 交互 shell 提示符，如 "router# "
	Prompt string
	Banner string
	// Outputs 命令到输出（交互与 exec 共用）
	Outputs map[string]string
	// Stderr exec 模式下写入 stderr 的内容
	Stderr map[string]string
	// ExitCodes exec 模式下的退出码
	ExitCodes map[string]int
	// KeyboardInteractiveOnly 只允许 keyboard-interactive 认证（模拟部分网络设备）
	KeyboardInteractiveOnly bool
	// SFTP 接受 sftp 子系统请求，直接读写本机文件系统
	SFTP bool
}

// Server 模拟 SSH 服务
type Server struct {
	dev      Device
	listener net.Listener
	hostKey  ssh.Signer

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	commands []string
}

// GenerateSigner 生成内存中的 ed25519 主机密钥
func GenerateSigner() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// NewServer 在 127.0.0.1 随机端口启动模拟设备
func NewServer(dev Device) (*Server, error) {
	signer, err := GenerateSigner()
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	if dev.Prompt == "" {
		dev.Prompt = "device# "
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{dev: dev, listener: ln, hostKey: signer, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Host 监听地址
func (s *Server) Host() string { return "127.0.0.1" }

// Port 监听端口
func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// HostKey 服务端公钥
func (s *Server) HostKey() ssh.PublicKey { return s.hostKey.PublicKey() }

// Commands 已收到的命令（交互与 exec）
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close 停止服务并断开所有连接
func (s *Server) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}(conn)
	}
}

func (s *Server) checkPassword(user, pass string) bool {
	want, ok := s.dev.Users[user]
	return ok && want == pass
}

func (s *Server) handleConn(nc net.Conn) {
	cfg := &ssh.ServerConfig{
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && s.checkPassword(meta.User(), answers[0]) {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
	}
	if !s.dev.KeyboardInteractiveOnly {
		cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.checkPassword(meta.User(), string(password)) {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		}
	}
	cfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(channel, requests)
		}()
	}
	wg.Wait()
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change", "keepalive@openssh.com":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			s.runShell(channel)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || !s.dev.SFTP {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			srv, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = srv.Serve()
			_ = srv.Close()
			return
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			s.record(payload.Command)
			_, _ = channel.Write([]byte(s.dev.Outputs[payload.Command]))
			if e := s.dev.Stderr[payload.Command]; e != "" {
				_, _ = channel.Stderr().Write([]byte(e))
			}
			status := struct{ Status uint32 }{uint32(s.dev.ExitCodes[payload.Command])}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// runShell 交互 shell：回显命令，输出预置结果，打印提示符
func (s *Server) runShell(channel ssh.Channel) {
	write := func(text string) {
		_, _ = channel.Write([]byte(text))
	}
	if s.dev.Banner != "" {
		write(strings.ReplaceAll(s.dev.Banner, "\n", "\r\n") + "\r\n")
	}
	write(s.dev.Prompt)

	reader := bufio.NewReader(channel)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(strings.TrimRight(line, "\r\n"))
		write(cmd + "\r\n")
		if cmd == "" {
			write(s.dev.Prompt)
			continue
		}
		s.record(cmd)
		if cmd == "exit" || cmd == "quit" {
			status := struct{ Status uint32 }{0}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
			return
		}
		out, ok := s.dev.Outputs[cmd]
		if !ok {
			out = "% Unrecognized command\n"
		}
		write(strings.ReplaceAll(out, "\n", "\r\n"))
		write(s.dev.Prompt)
	}
}
