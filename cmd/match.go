package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"patterndb/core"
)

// matchOutput is the JSON form of a match result
type matchOutput struct {
	Matched bool              `json:"matched"`
	RuleID  string            `json:"rule_id,omitempty"`
	Class   string            `json:"class"`
	Fields  map[string]string `json:"fields"`
	Tags    []string          `json:"tags,omitempty"`
}

// newMatchCmd creates the 'match' subcommand
func newMatchCmd() *cobra.Command {
	var program string

	cmd := &cobra.Command{
		Use:   "match MESSAGE...",
		Short: "Classify a single message and show what it binds",
		Long: `Classify one message against the rule database and print the rule it
matched, its class and the values it extracted. No correlation context is
opened.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			rec := core.NewMessage(time.Now(), program, strings.Join(args, " "))
			rule, ok := s.engine.Classify(rec)

			out := matchOutput{
				Matched: ok,
				Class:   rec.Value(core.FieldClass),
				Fields:  rec.Fields,
				Tags:    rec.Tags,
			}
			if ok {
				out.RuleID = rule.ID
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), out)
			}
			renderMatch(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&program, "program", "p", "", "Program name the message came from")
	return cmd
}

func renderMatch(w io.Writer, m matchOutput) {
	if !m.Matched {
		warningColor.Fprintln(w, "No rule matched")
		fmt.Fprintf(w, "  class: %s\n", m.Class)
		return
	}
	successColor.Fprintf(w, "Matched rule %s\n", m.RuleID)
	fmt.Fprintf(w, "  class: %s\n", m.Class)
	if len(m.Tags) > 0 {
		fmt.Fprintf(w, "  tags:  %s\n", strings.Join(m.Tags, ", "))
	}

	rec := core.Record{Fields: m.Fields}
	headerColor.Fprintln(w, "Values:")
	for _, name := range rec.FieldNames() {
		if strings.HasPrefix(name, ".classifier.") || name == core.FieldMessage || name == core.FieldProgram {
			continue
		}
		fmt.Fprintf(w, "  %s = %s\n", infoColor.Sprint(name), m.Fields[name])
	}
}
