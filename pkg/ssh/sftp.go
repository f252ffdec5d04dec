package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// Download 通过 SFTP 子系统拉取远端文件到本地，返回字节数
func (c *Client) Download(ctx context.Context, remote, local string) (int64, error) {
	return c.transfer(ctx, func(sc *sftp.Client) (int64, error) {
		src, err := sc.Open(remote)
		if err != nil {
			return 0, fmt.Errorf("open remote %s: %w", remote, err)
		}
		defer src.Close()
		dst, err := os.Create(local)
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return n, err
	})
}

// Upload 通过 SFTP 子系统把本地文件推送到远端，返回字节数
func (c *Client) Upload(ctx context.Context, local, remote string) (int64, error) {
	return c.transfer(ctx, func(sc *sftp.Client) (int64, error) {
		src, err := os.Open(local)
		if err != nil {
			return 0, err
		}
		defer src.Close()
		dst, err := sc.Create(remote)
		if err != nil {
			return 0, fmt.Errorf("create remote %s: %w", remote, err)
		}
		n, err := io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return n, err
	})
}

// transfer 在当前连接上打开 SFTP 子系统执行 fn，ctx 结束时关闭子系统中断传输
func (c *Client) transfer(ctx context.Context, fn func(*sftp.Client) (int64, error)) (int64, error) {
	c.mutex.Lock()
	conn := c.connection
	c.mutex.Unlock()
	if conn == nil {
		return 0, errors.New("SSH connection not established")
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		return 0, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	defer sc.Close()
	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	n, err := fn(sc)
	if ctx.Err() != nil {
		return n, ctx.Err()
	}
	return n, err
}
