package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/remotecollect/pkg/collect"
)

var sftpFlags shellFlags

// transferResult 一次文件传输的输出
type transferResult struct {
	Remote string `json:"remote"`
	Local  string `json:"local"`
	Bytes  int64  `json:"bytes"`
}

var sftpCmd = &cobra.Command{
	Use:   "sftp",
	Short: "Copy files to or from a host over SFTP",
}

var sftpGetCmd = &cobra.Command{
	Use:   "get REMOTE LOCAL",
	Short: "Pull a remote file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[0], args[1], func(ctx context.Context, s *collect.Shell) (int64, error) {
			return s.Get(ctx, args[0], args[1])
		})
	},
}

var sftpPutCmd = &cobra.Command{
	Use:   "put LOCAL REMOTE",
	Short: "Push a local file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[1], args[0], func(ctx context.Context, s *collect.Shell) (int64, error) {
			return s.Put(ctx, args[0], args[1])
		})
	},
}

func init() {
	rootCmd.AddCommand(sftpCmd)
	sftpCmd.AddCommand(sftpGetCmd, sftpPutCmd)

	pf := sftpCmd.PersistentFlags()
	pf.StringVarP(&sftpFlags.host, "host", "H", "", "target host")
	pf.IntVarP(&sftpFlags.port, "port", "p", 0, "target port (default from config)")
	pf.StringVarP(&sftpFlags.user, "user", "u", "", "login user")
	pf.StringVarP(&sftpFlags.password, "password", "P", "", "login password (default $"+PasswordEnv+")")
	pf.StringVarP(&sftpFlags.keyFile, "key-file", "i", "", "private key file")
	pf.StringVar(&sftpFlags.passphrase, "passphrase", "", "private key passphrase")
	pf.DurationVar(&sftpFlags.connectTimeout, "connect-timeout", 0, "connection timeout (default from config)")
	pf.DurationVarP(&sftpFlags.timeout, "timeout", "t", 0, "transfer timeout (default from config)")
	pf.BoolVar(&sftpFlags.precheck, "precheck", false, "probe the target port before connecting")
	_ = sftpCmd.MarkPersistentFlagRequired("host")
}

func runTransfer(cmd *cobra.Command, remote, local string, fn func(context.Context, *collect.Shell) (int64, error)) error {
	opts, err := sftpFlags.options(collect.ProtoSSH)
	if err != nil {
		return err
	}
	if sftpFlags.timeout > 0 {
		opts.CommandTimeout = sftpFlags.timeout
	}
	s, err := collect.NewSSH(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := fn(cmd.Context(), s)
	if err != nil {
		return err
	}
	res := transferResult{Remote: remote, Local: local, Bytes: n}
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %d bytes\n", remote, n)
	return err
}
