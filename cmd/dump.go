package cmd

import (
	"github.com/spf13/cobra"
)

// newDumpCmd creates the 'dump' subcommand
func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [program-prefix]",
		Short: "Print the compiled pattern tree",
		Long: `Print the radix tree of every program partition whose name starts with
the given prefix. Without a prefix the partition of rules without a program
is printed as well.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			m := s.engine.Matcher()
			if !quiet {
				info := m.Info()
				headerColor.Fprintf(cmd.OutOrStdout(), "# generation %d, version %d, %d rules, %d programs\n",
					info.Generation, info.Version, info.Rules, info.Programs)
			}
			m.Dump(cmd.OutOrStdout(), prefix)
			return nil
		},
	}
}
