package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"patterndb/bootstrap"
	"patterndb/ingest"
)

// newProcessCmd creates the 'process' subcommand
func newProcessCmd() *cobra.Command {
	var (
		inputFormat  string
		outputFormat string
		noFlush      bool
	)

	cmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Classify a log file offline",
		Long: `Classify and correlate the records of a file (or stdin) and write them to
stdout. Time is taken from the record timestamps, so correlation timeouts
behave as they did when the log was written. Contexts still open at the end
of the input are closed at their own deadlines unless --no-flush is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			if inputFormat == "" {
				inputFormat = s.cfg.Input.Format
			}
			format, err := ingest.ParseFormat(inputFormat)
			if err != nil {
				return err
			}
			if outputFormat != "" {
				s.cfg.Output.Format = outputFormat
			}
			// records go to stdout, archives stay as configured
			s.cfg.Output.Path = "-"

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			in, err := bootstrap.OpenInput(path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer in.Close()

			sinks, err := bootstrap.InitSinks(ctx, s.cfg, cmd.OutOrStdout(), s.sugar)
			if err != nil {
				return err
			}
			defer sinks.Close()

			reader := ingest.NewReader(in, format, nil, s.sugar)
			p := bootstrap.NewPipeline(s.engine, sinks, bootstrap.PipelineOptions{
				RecordTime: true,
				FlushOnEOF: !noFlush,
			}, s.sugar)
			runErr := p.Run(ctx, reader)

			if !quiet {
				st := p.GetStats()
				infoColor.Fprintf(cmd.ErrOrStderr(), "Processed %d records: %d emitted, %d synthetic, %d malformed\n",
					st.Read, st.Emitted, st.Synthetic, reader.Malformed())
			}
			if runErr != nil {
				return fmt.Errorf("processing stopped: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputFormat, "format", "", "Input format: syslog, json or msgpack (default input.format)")
	cmd.Flags().StringVar(&outputFormat, "output-format", "", "Output format: json or msgpack (default output.format)")
	cmd.Flags().BoolVar(&noFlush, "no-flush", false, "Drop contexts still open at the end of the input")
	return cmd
}
