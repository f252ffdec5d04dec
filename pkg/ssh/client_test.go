package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/remotecollect/pkg/expect"
	"github.com/sshcollectorpro/remotecollect/pkg/ssh/sshtest"
)

func startDevice(t *testing.T, dev sshtest.Device) *sshtest.Server {
	if dev.Users == nil {
		dev.Users = map[string]string{"admin": "nova"}
	}
	srv, err := sshtest.NewServer(dev)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func connectTo(t *testing.T, srv *sshtest.Server, password string) (*Client, error) {
	c := NewClient(&Config{ConnectTimeout: 2 * time.Second})
	err := c.Connect(context.Background(), &ConnectionInfo{
		Host: srv.Host(), Port: srv.Port(), Username: "admin", Password: password,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, err
}

func TestExecExitCodeIsData(t *testing.T) {
	srv := startDevice(t, sshtest.Device{
		Outputs:   map[string]string{"uname -a": "Linux db01\n", "false": ""},
		Stderr:    map[string]string{"false": "boom\n"},
		ExitCodes: map[string]int{"false": 3},
	})
	c, err := connectTo(t, srv, "nova")
	require.NoError(t, err)
	assert.True(t, c.IsConnected())

	res, err := c.Exec(context.Background(), "uname -a")
	require.NoError(t, err)
	assert.Equal(t, "Linux db01\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = c.Exec(context.Background(), "false")
	require.NoError(t, err, "非零退出码不是错误")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
	assert.Equal(t, []string{"uname -a", "false"}, srv.Commands())
}

func TestAuthRejected(t *testing.T) {
	srv := startDevice(t, sshtest.Device{})
	_, err := connectTo(t, srv, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to authenticate")
}

func TestKeyboardInteractive(t *testing.T) {
	srv := startDevice(t, sshtest.Device{KeyboardInteractiveOnly: true})
	_, err := connectTo(t, srv, "nova")
	assert.NoError(t, err)
}

func TestNoAuthMethod(t *testing.T) {
	c := NewClient(nil)
	err := c.Connect(context.Background(), &ConnectionInfo{Host: "127.0.0.1", Port: 22, Username: "admin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authentication method")
}

func TestShellWithExpectSession(t *testing.T) {
	srv := startDevice(t, sshtest.Device{
		Banner:  "Authorized access only",
		Prompt:  "core-sw01# ",
		Outputs: map[string]string{"show clock": "10:00:00.000 UTC Mon Oct 19 2026\n"},
	})
	c, err := connectTo(t, srv, "nova")
	require.NoError(t, err)

	sh, err := c.OpenShell(context.Background())
	require.NoError(t, err)
	sess := expect.NewSession(sh, expect.Options{Patterns: expect.ShellPatterns()})
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background(), expect.Credentials{}, 2*time.Second))
	assert.Equal(t, "core-sw01#", sess.Prompt())

	out, err := sess.Run(context.Background(), "show clock", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10:00:00.000 UTC Mon Oct 19 2026", out)

	assert.NoError(t, sh.Close())
	assert.NoError(t, sh.Close(), "重复关闭")
}

func TestHostKeyStoreMemory(t *testing.T) {
	k1, err := sshtest.GenerateSigner()
	require.NoError(t, err)
	k2, err := sshtest.GenerateSigner()
	require.NoError(t, err)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}

	store := NewHostKeyStore("", false)
	cb := store.Callback()
	require.NoError(t, cb("10.0.0.1:22", addr, k1.PublicKey()), "首次连接自动接受")
	require.NoError(t, cb("10.0.0.1:22", addr, k1.PublicKey()))
	assert.ErrorIs(t, cb("10.0.0.1:22", addr, k2.PublicKey()), ErrHostKeyMismatch)

	strict := NewHostKeyStore("", true)
	assert.ErrorIs(t, strict.Callback()("10.0.0.2:22", addr, k1.PublicKey()), ErrUnknownHost)
}

func TestHostKeyStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	k1, err := sshtest.GenerateSigner()
	require.NoError(t, err)
	k2, err := sshtest.GenerateSigner()
	require.NoError(t, err)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 2222}

	require.NoError(t, NewHostKeyStore(path, false).Callback()("10.0.0.1:2222", addr, k1.PublicKey()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[10.0.0.1]:2222", "非默认端口按 known_hosts 格式记录")

	// 新实例从文件加载
	reloaded := NewHostKeyStore(path, true).Callback()
	assert.NoError(t, reloaded("10.0.0.1:2222", addr, k1.PublicKey()))
	assert.ErrorIs(t, reloaded("10.0.0.1:2222", addr, k2.PublicKey()), ErrHostKeyMismatch)
	assert.ErrorIs(t, reloaded("10.0.0.9:22", addr, k1.PublicKey()), ErrUnknownHost)

	missing := NewHostKeyStore(filepath.Join(t.TempDir(), "none"), true)
	assert.ErrorIs(t, missing.Callback()("10.0.0.1:22", addr, k1.PublicKey()), ErrUnknownHost)
}

func TestLoadSigner(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	signer, err := loadSigner(&ConnectionInfo{PrivateKey: string(pem.EncodeToMemory(block))})
	require.NoError(t, err)
	assert.NotNil(t, signer)

	enc, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("s3cret"))
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(enc), 0o600))

	_, err = loadSigner(&ConnectionInfo{KeyFile: keyFile})
	assert.Error(t, err, "缺少口令无法解析加密私钥")
	signer, err = loadSigner(&ConnectionInfo{KeyFile: keyFile, Passphrase: "s3cret"})
	require.NoError(t, err)
	assert.NotNil(t, signer)

	signer, err = loadSigner(&ConnectionInfo{})
	assert.NoError(t, err)
	assert.Nil(t, signer)
}

func TestSFTPTransfer(t *testing.T) {
	srv := startDevice(t, sshtest.Device{SFTP: true})
	c, err := connectTo(t, srv, "nova")
	require.NoError(t, err)

	dir := t.TempDir()
	local := filepath.Join(dir, "running.cfg")
	require.NoError(t, os.WriteFile(local, []byte("hostname core-sw01\n"), 0o600))

	remote := filepath.Join(dir, "remote.cfg")
	n, err := c.Upload(context.Background(), local, remote)
	require.NoError(t, err)
	assert.Equal(t, int64(19), n)

	back := filepath.Join(dir, "back.cfg")
	n, err = c.Download(context.Background(), remote, back)
	require.NoError(t, err)
	assert.Equal(t, int64(19), n)
	data, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "hostname core-sw01\n", string(data), "往返后内容一致")

	_, err = c.Download(context.Background(), filepath.Join(dir, "missing"), back)
	assert.Error(t, err, "远端文件不存在")
}

func TestSFTPSubsystemRefused(t *testing.T) {
	srv := startDevice(t, sshtest.Device{})
	c, err := connectTo(t, srv, "nova")
	require.NoError(t, err)
	_, err = c.Download(context.Background(), "/etc/hosts", filepath.Join(t.TempDir(), "hosts"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sftp subsystem")
}
