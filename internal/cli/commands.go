package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/service"
	"github.com/spf13/cobra"
)

const (
	serverEnv      = "INGEST_SERVER"
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 5 * time.Minute
)

type options struct {
	server  string
	timeout time.Duration
}

func (o *options) client() (*Client, error) {
	return NewClient(o.server, o.timeout)
}

// NewRootCommand builds the ingestctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Upload product files and follow their ingestion jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv(serverEnv)
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "base URL of the ingest API (env "+serverEnv+")")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "HTTP request timeout")

	root.AddCommand(
		uploadCommand(opts),
		statusCommand(opts),
		watchCommand(opts),
	)
	return root
}

func uploadCommand(opts *options) *cobra.Command {
	var follow bool

	command := &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Upload a CSV file and print the created job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			result, err := client.Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return client.Watch(cmd.Context(), result.JobID, statusPrinter(cmd.OutOrStdout()))
		},
	}
	command.Flags().BoolVarP(&follow, "follow", "f", false, "stream job status until it finishes")
	return command
}

func statusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			job, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func watchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream job status until the job completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			return client.Watch(cmd.Context(), args[0], statusPrinter(cmd.OutOrStdout()))
		},
	}
}

func statusPrinter(out io.Writer) func(service.StatusMessage) error {
	return func(msg service.StatusMessage) error {
		_, err := fmt.Fprintln(out, formatStatus(msg))
		return err
	}
}

func formatStatus(msg service.StatusMessage) string {
	line := fmt.Sprintf("%s state=%s", msg.JobID, msg.State)
	switch {
	case msg.Result != nil:
		line += fmt.Sprintf(" inserted=%d skipped=%d total=%d elapsed=%.2fs rate=%.2f/s",
			msg.Result.Inserted, msg.Result.Skipped, msg.Result.TotalRows,
			msg.Result.ElapsedSeconds, msg.Result.RecordsPerSecond)
	case msg.Error != nil:
		line += fmt.Sprintf(" class=%s inserted=%d error=%q",
			msg.Error.Class, msg.Error.InsertedBeforeFailure, msg.Error.Message)
	case msg.Progress != nil:
		line += fmt.Sprintf(" inserted=%d/%d percent=%.2f rate=%.2f/s",
			msg.Progress.Inserted, msg.Progress.Total, msg.Progress.Percent, msg.Progress.Throughput)
	}
	return line
}

func printJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
