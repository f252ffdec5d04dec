package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sshcollectorpro/remotecollect/pkg/logger"
)

// ErrHostKeyMismatch 已记录的主机密钥与远端不一致
var ErrHostKeyMismatch = errors.New("host key mismatch")

// ErrUnknownHost 严格模式下遇到未记录的主机
var ErrUnknownHost = errors.New("unknown host key")

// HostKeyStore 首次使用即信任（TOFU）的主机密钥存储
// path 非空时读写 known_hosts 文件，否则只在内存中记录
type HostKeyStore struct {
	path   string
	strict bool

	mu  sync.Mutex
	mem map[string]ssh.PublicKey
}

// NewHostKeyStore 创建主机密钥存储
func NewHostKeyStore(path string, strict bool) *HostKeyStore {
	return &HostKeyStore{path: path, strict: strict, mem: make(map[string]ssh.PublicKey)}
}

// Callback 返回 ssh.HostKeyCallback
func (s *HostKeyStore) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.path == "" {
			return s.checkMemory(hostname, key)
		}
		return s.checkFile(hostname, remote, key)
	}
}

func (s *HostKeyStore) checkMemory(hostname string, key ssh.PublicKey) error {
	host := knownhosts.Normalize(hostname)
	if known, ok := s.mem[host]; ok {
		if bytes.Equal(known.Marshal(), key.Marshal()) {
			return nil
		}
		return fmt.Errorf("%w for %s", ErrHostKeyMismatch, host)
	}
	if s.strict {
		return fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	s.mem[host] = key
	logger.WithField("host", host).Info("accepted new host key " + ssh.FingerprintSHA256(key))
	return nil
}

func (s *HostKeyStore) checkFile(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if s.strict {
			return fmt.Errorf("%w: %s (no known_hosts file)", ErrUnknownHost, hostname)
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("failed to create known_hosts dir: %w", err)
		}
		if err := os.WriteFile(s.path, nil, 0o600); err != nil {
			return fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}
	cb, err := knownhosts.New(s.path)
	if err != nil {
		return fmt.Errorf("failed to load known_hosts: %w", err)
	}
	err = cb(hostname, remote, key)
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w for %s: %v", ErrHostKeyMismatch, hostname, err)
	}
	if s.strict {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostname)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	logger.WithField("host", hostname).Info("recorded new host key " + ssh.FingerprintSHA256(key))
	return nil
}
