package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// newTestCmd creates the 'test' subcommand
func newTestCmd() *cobra.Command {
	var showPassed bool

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check every rule against its examples",
		Long: `Load the rule database and classify the examples attached to each rule.
An example passes when it matches its own rule and binds the declared values
and tags. The command fails when any example does not pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var s *spinner.Spinner
			if !outputJSON && !quiet && isTerminal(out) {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Compiling rule database..."
				s.Start()
			}
			sess, err := openSession()
			if err != nil {
				if s != nil {
					s.Stop()
				}
				return err
			}
			defer sess.close()

			if s != nil {
				s.Suffix = " Checking examples..."
			}
			results := sess.engine.CheckExamples()
			if s != nil {
				s.Stop()
			}

			failed := 0
			for _, r := range results {
				if !r.Passed() {
					failed++
				}
			}

			if outputJSON {
				if err := outputAsJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Passed() {
						if showPassed {
							successColor.Fprint(out, "PASS ")
							fmt.Fprintf(out, "%s #%d\n", r.RuleID, r.Index)
						}
						continue
					}
					errorColor.Fprint(out, "FAIL ")
					fmt.Fprintf(out, "%s #%d: %q\n", r.RuleID, r.Index, r.Example.Message)
					for _, e := range r.Errors {
						fmt.Fprintf(out, "     %s\n", e)
					}
				}
				if !quiet {
					summary := successColor
					if failed > 0 {
						summary = errorColor
					}
					summary.Fprintf(out, "%d examples, %d failed\n", len(results), failed)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d examples failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showPassed, "show-passed", false, "List passing examples too")
	return cmd
}
