package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/remotecollect/pkg/collect"
	"github.com/sshcollectorpro/remotecollect/pkg/snmp"
)

// CommunityEnv 未给出 --community 时读取的环境变量
const CommunityEnv = "REMOTECOLLECT_COMMUNITY"

var snmpFlags struct {
	queryFlags

	host         string
	port         int
	version      string
	community    string
	user         string
	authProtocol string
	authPassword string
	privProtocol string
	privPassword string
	contextName  string
	retries      int
	precheck     bool

	irow int
	icol int
	cols []int
}

var snmpCmd = &cobra.Command{
	Use:   "snmp",
	Short: "Query a device over SNMP",
}

var snmpGetCmd = &cobra.Command{
	Use:   "get [oid...]",
	Short: "Get OIDs in one request; '<oid>.<n>-<m>' expands to a range",
	RunE: func(cmd *cobra.Command, args []string) error {
		queries, err := snmpFlags.build(args)
		if err != nil {
			return err
		}
		s, err := newSnmp()
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := s.MGet(cmd.Context(), queries)
		if err != nil {
			return err
		}
		return writeBatch(cmd, b, func(v any) string { return fmt.Sprint(v) })
	},
}

var snmpWalkCmd = &cobra.Command{
	Use:   "walk [root...]",
	Short: "Walk one or more subtrees",
	RunE: func(cmd *cobra.Command, args []string) error {
		queries, err := snmpFlags.build(args)
		if err != nil {
			return err
		}
		s, err := newSnmp()
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := s.MWalk(cmd.Context(), queries)
		if err != nil {
			return err
		}
		return writeBatch(cmd, b, formatVariables)
	},
}

var snmpTableCmd = &cobra.Command{
	Use:   "table ROOT...",
	Short: "Walk a subtree and arrange it as rows and columns",
	Long: `Walk a subtree and arrange it as rows and columns.

With several roots each table is walked in turn and rows sharing an index are
joined, values following the order of the roots.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSnmp()
		if err != nil {
			return err
		}
		defer s.Close()

		var rows []collect.Row
		if len(args) == 1 {
			rows, err = s.TWalk(cmd.Context(), args[0], snmpFlags.irow, snmpFlags.icol, snmpFlags.cols)
		} else {
			tables := make([]collect.Table, len(args))
			for i, root := range args {
				tables[i] = collect.Table{Root: root, Row: snmpFlags.irow, Col: snmpFlags.icol, Cols: snmpFlags.cols}
			}
			rows, err = s.JWalk(cmd.Context(), tables)
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), rows)
		}
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%v\n", r.Index, r.Values)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snmpCmd)
	snmpCmd.AddCommand(snmpGetCmd, snmpWalkCmd, snmpTableCmd)

	pf := snmpCmd.PersistentFlags()
	pf.StringVarP(&snmpFlags.host, "host", "H", "", "agent host")
	pf.IntVarP(&snmpFlags.port, "port", "p", 0, "agent UDP port (default from config)")
	pf.StringVarP(&snmpFlags.version, "version", "v", "", "protocol version 1|2c|3 (default 3 when --user is set, else 2c)")
	pf.StringVarP(&snmpFlags.community, "community", "C", "", "community for v1/v2c (default $"+CommunityEnv+" or config)")
	pf.StringVarP(&snmpFlags.user, "user", "u", "", "v3 security name")
	pf.StringVar(&snmpFlags.authProtocol, "auth-protocol", "", "v3 auth protocol (md5|sha|sha224|sha256|sha384|sha512)")
	pf.StringVar(&snmpFlags.authPassword, "auth-password", "", "v3 auth passphrase")
	pf.StringVar(&snmpFlags.privProtocol, "priv-protocol", "", "v3 privacy protocol (des|aes|aes192|aes256|aes192c|aes256c)")
	pf.StringVar(&snmpFlags.privPassword, "priv-password", "", "v3 privacy passphrase")
	pf.StringVar(&snmpFlags.contextName, "context", "", "v3 context name")
	pf.IntVar(&snmpFlags.retries, "retries", -1, "request retries (default from config)")
	pf.BoolVar(&snmpFlags.precheck, "precheck", false, "probe the agent UDP port first")
	_ = snmpCmd.MarkPersistentFlagRequired("host")

	snmpFlags.queryFlags.register(snmpGetCmd)
	snmpWalkCmd.Flags().StringArrayVarP(&snmpFlags.queries, "query", "q", nil, "named walk name=root, repeatable")
	snmpWalkCmd.Flags().DurationVarP(&snmpFlags.timeout, "timeout", "t", 0, "per-walk timeout")
	snmpWalkCmd.Flags().BoolVar(&snmpFlags.strict, "strict", false, "abort on the first failed walk")

	snmpTableCmd.Flags().IntVar(&snmpFlags.irow, "row", collect.DefaultRowComponent, "OID component holding the row index, negative counts from the end")
	snmpTableCmd.Flags().IntVar(&snmpFlags.icol, "col", collect.DefaultColComponent, "OID component holding the column number")
	snmpTableCmd.Flags().IntSliceVar(&snmpFlags.cols, "cols", nil, "columns to keep, in order (default all)")
}

func newSnmp() (*collect.Snmp, error) {
	c := snmp.Config{
		Host:         snmpFlags.host,
		Port:         snmpFlags.port,
		Version:      snmpFlags.version,
		Community:    snmpFlags.community,
		User:         snmpFlags.user,
		AuthProtocol: snmpFlags.authProtocol,
		AuthPassword: snmpFlags.authPassword,
		PrivProtocol: snmpFlags.privProtocol,
		PrivPassword: snmpFlags.privPassword,
		ContextName:  snmpFlags.contextName,
		Timeout:      cfg.SNMP.Timeout,
		Retries:      cfg.SNMP.Retries,
		MaxOids:      cfg.SNMP.MaxOids,
	}
	if c.Port == 0 {
		c.Port = cfg.SNMP.Port
	}
	if c.Version == "" {
		c.Version = cfg.SNMP.Version
	}
	if c.Community == "" {
		c.Community = os.Getenv(CommunityEnv)
	}
	if c.Community == "" {
		c.Community = cfg.SNMP.Community
	}
	if snmpFlags.retries >= 0 {
		c.Retries = snmpFlags.retries
	}
	if snmpFlags.timeout > 0 {
		c.Timeout = snmpFlags.timeout
	}
	return collect.NewSNMP(collect.SnmpOptions{
		Config:          c,
		StrictBatch:     snmpFlags.strict,
		Precheck:        snmpFlags.precheck || cfg.Precheck.Enabled,
		PrecheckTimeout: cfg.Precheck.Timeout,
	})
}

func formatVariables(vars []snmp.Variable) string {
	var out []byte
	for _, v := range vars {
		out = fmt.Appendf(out, "%s = %s: %v\n", v.OID, v.Type, v.Value)
	}
	return string(out)
}
