package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
	"github.com/sshcollectorpro/remotecollect/pkg/platform"
	"github.com/sshcollectorpro/remotecollect/pkg/portcheck"
)

var portcheckFlags struct {
	host    string
	ports   string
	timeout time.Duration
	ping    bool
}

var portcheckCmd = &cobra.Command{
	Use:   "portcheck",
	Short: "Probe TCP/UDP ports on a host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		probes, err := portcheck.ParsePorts(portcheckFlags.ports)
		if err != nil {
			return usageError(err)
		}
		if len(probes) == 0 {
			return usageError(fmt.Errorf("--ports is empty"))
		}
		timeout := portcheckFlags.timeout
		if timeout <= 0 {
			timeout = cfg.Precheck.Timeout
		}
		ctx := cmd.Context()
		if portcheckFlags.ping && !portcheck.Ping(ctx, portcheckFlags.host, timeout) {
			return collecterr.Connection("ping", nil, "%s does not answer ping", portcheckFlags.host)
		}

		results := portcheck.Scan(ctx, portcheckFlags.host, probes, timeout)
		if outputFormat == "json" {
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				state := "open"
				if !r.Reachable {
					state = "unreachable"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.Probe, state, r.Latency)
			}
		}
		if r, ok := portcheck.FirstUnreachable(results); ok {
			return r.Err
		}
		return nil
	},
}

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List device family presets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeValue(cmd, platform.Names())
	},
}

func init() {
	rootCmd.AddCommand(portcheckCmd, platformsCmd)
	fl := portcheckCmd.Flags()
	fl.StringVarP(&portcheckFlags.host, "host", "H", "", "target host")
	fl.StringVar(&portcheckFlags.ports, "ports", "22", "ports to probe, e.g. 22,23,161/udp")
	fl.DurationVarP(&portcheckFlags.timeout, "timeout", "t", 0, "per-probe timeout (default precheck.timeout)")
	fl.BoolVar(&portcheckFlags.ping, "ping", false, "require an ICMP echo reply first")
	_ = portcheckCmd.MarkFlagRequired("host")
}
