package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the batchcoresim root command and its two
// subcommands, simulate and replay.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batchcoresim",
		Short: "Drive the batch core orchestrator against a synthetic stream",
		Long: `batchcoresim is a local harness for the batch core: it builds a
synthetic batch of records, runs it through the same orchestrator a
production consumer would use, and prints what happened - without
needing a live Kinesis stream, DynamoDB table or Lambda runtime.`,
	}

	cmd.AddCommand(NewSimulateCommand())
	cmd.AddCommand(NewReplayCommand())

	return cmd
}
