package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/remotecollect/pkg/collect"
	"github.com/sshcollectorpro/remotecollect/pkg/localexec"
)

var localFlags struct {
	queryFlags

	totalTimeout time.Duration
	failOnStderr bool
	dir          string
	vars         []string
	expected     string
	unexpected   string
}

var localCmd = &cobra.Command{
	Use:   "local [command...]",
	Short: "Run shell commands on this host",
	Long: `Run shell commands on this host.

A non-zero exit code is reported as data in the result, not as a failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		queries, err := localFlags.build(args)
		if err != nil {
			return err
		}
		vars, err := parseVars(localFlags.vars)
		if err != nil {
			return err
		}
		expected, unexpected := cfg.Patterns.ExpectedPattern, cfg.Patterns.UnexpectedPattern
		if localFlags.expected != "" {
			expected = localFlags.expected
		}
		if localFlags.unexpected != "" {
			unexpected = localFlags.unexpected
		}
		check, err := collect.NewCheck(expected, unexpected)
		if err != nil {
			return err
		}

		opts := collect.LocalOptions{
			Timeout:      cfg.Local.Timeout,
			TotalTimeout: cfg.Local.TotalTimeout,
			FailOnStderr: localFlags.failOnStderr || cfg.Local.FailOnStderr,
			Check:        check,
			Vars:         vars,
			StrictBatch:  localFlags.strict,
			Dir:          localFlags.dir,
			Shell:        cfg.Local.Shell,
		}
		if localFlags.totalTimeout > 0 {
			opts.TotalTimeout = localFlags.totalTimeout
		}
		b, err := collect.NewLocal(opts).RunMany(cmd.Context(), queries)
		if err != nil {
			return err
		}
		return writeBatch(cmd, b, func(r *localexec.Result) string {
			if r == nil {
				return ""
			}
			return r.Stdout
		})
	},
}

func init() {
	rootCmd.AddCommand(localCmd)
	localFlags.queryFlags.register(localCmd)
	fl := localCmd.Flags()
	fl.DurationVar(&localFlags.totalTimeout, "total-timeout", 0, "abort the batch after this long (default from config)")
	fl.BoolVar(&localFlags.failOnStderr, "fail-on-stderr", false, "treat any stderr output as a failed query")
	fl.StringVar(&localFlags.dir, "dir", "", "working directory")
	fl.StringArrayVar(&localFlags.vars, "var", nil, "substitution name=value for {name} in commands, repeatable")
	fl.StringVar(&localFlags.expected, "expected", "", "regex every stdout must match")
	fl.StringVar(&localFlags.unexpected, "unexpected", "", "regex no stdout may match")
}
