package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/orchestrator"
)

type simulateOptions struct {
	streamType     string
	messages       int
	keys           int
	failEvery      int
	checkpointFile string
	avoidEsmCache  bool
}

// NewSimulateCommand builds a synthetic batch, drives it through the
// orchestrator against an in-memory checkpoint table and a
// terminal.DeadLetterPublisher backed by a fake Kinesis client, and
// prints the resulting summary.
func NewSimulateCommand() *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic batch through the orchestrator once",
		Long: `simulate builds a synthetic batch of records (Kinesis- or
DynamoDB-stream-shaped, selectable via --stream-type), drives it
through one orchestrator invocation against an in-memory checkpoint
table and a dead-letter publisher backed by a fake Kinesis client, and
prints the batch's final summary.

Use --fail-every to make the process task fail its first N-1 attempts
before succeeding, and --checkpoint-file to persist the resulting
checkpoint to disk so a later "replay" run can resume it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.streamType, "stream-type", "kinesis", "record shape: kinesis|dynamodb")
	cmd.Flags().IntVar(&opts.messages, "messages", 10, "number of synthetic messages")
	cmd.Flags().IntVar(&opts.keys, "keys", 3, "number of parallel key chains")
	cmd.Flags().IntVar(&opts.failEvery, "fail-every", 0, "fail the process task until its Nth attempt (0 disables)")
	cmd.Flags().StringVar(&opts.checkpointFile, "checkpoint-file", "", "persist the checkpoint to this path instead of keeping it in-memory")
	cmd.Flags().BoolVar(&opts.avoidEsmCache, "avoid-esm-cache", false, "bypass the cached event-source-mapping id when a fatal error disables the binding")

	return cmd
}

func runSimulate(cmd *cobra.Command, opts *simulateOptions) error {
	streamType, err := parseStreamType(opts.streamType)
	if err != nil {
		return wrapExitError(ExitCommandError, "invalid --stream-type", err)
	}

	store := newCheckpointStore(opts.checkpointFile)
	dlq := newDLQSink()

	cfg := buildOptions(store, dlq, opts.failEvery, opts.avoidEsmCache)
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return wrapExitError(ExitCommandError, "failed to construct orchestrator", err)
	}

	key, records := buildSyntheticBatch(streamType, opts.messages, opts.keys)
	summary, invokeErr := orch.Invoke(context.Background(), key, records, nil)

	fmt.Fprintln(cmd.OutOrStdout(), summary)
	printDLQs(cmd.OutOrStdout(), dlq)

	if invokeErr != nil {
		return wrapExitError(ExitReplay, "orchestrator requested a replay", invokeErr)
	}
	return nil
}

func parseStreamType(s string) (batch.StreamType, error) {
	switch s {
	case "kinesis", "":
		return batch.StreamKinesis, nil
	case "dynamodb":
		return batch.StreamDynamoDB, nil
	default:
		return "", fmt.Errorf("unknown stream type %q, want kinesis or dynamodb", s)
	}
}
