package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/streambatch/corebatch/orchestrator"
)

type replayOptions struct {
	streamType     string
	messages       int
	keys           int
	failEvery      int
	checkpointFile string
	avoidEsmCache  bool
}

// NewReplayCommand loads a previously-saved checkpoint file and
// re-runs the orchestrator against the same synthetic batch
// parameters, demonstrating the restore-and-resume path: messages the
// prior run already completed stay completed, and only the ones it
// left incomplete make further progress.
func NewReplayCommand() *cobra.Command {
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Resume a previously-saved checkpoint for one more invocation",
		Long: `replay loads the checkpoint file written by a prior "simulate
--checkpoint-file=..." run, rebuilds the same synthetic batch
(--stream-type, --messages and --keys must match the original run),
and runs one more orchestrator invocation against it - restoring every
message's task state from the file before deciding what still needs
to run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.checkpointFile, "checkpoint-file", "", "path to a checkpoint file written by a prior simulate run (required)")
	_ = cmd.MarkFlagRequired("checkpoint-file")
	cmd.Flags().StringVar(&opts.streamType, "stream-type", "kinesis", "record shape: kinesis|dynamodb (must match the original run)")
	cmd.Flags().IntVar(&opts.messages, "messages", 10, "number of synthetic messages (must match the original run)")
	cmd.Flags().IntVar(&opts.keys, "keys", 3, "number of parallel key chains (must match the original run)")
	cmd.Flags().IntVar(&opts.failEvery, "fail-every", 0, "fail the process task until its Nth attempt (0 disables)")
	cmd.Flags().BoolVar(&opts.avoidEsmCache, "avoid-esm-cache", false, "bypass the cached event-source-mapping id when a fatal error disables the binding")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *replayOptions) error {
	if _, err := os.Stat(opts.checkpointFile); err != nil {
		return wrapExitError(ExitCommandError, "cannot read checkpoint file", err)
	}

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
		return wrapExitError(ExitReplay, "orchestrator requested a further replay", invokeErr)
	}
	return nil
}
