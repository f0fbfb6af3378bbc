package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"jsoncomm/message"
)

func newEmitCommand(st *rootState) *cobra.Command {
	var (
		flags targetFlags
		wait  time.Duration
	)

	emitCmd := &cobra.Command{
		Use:   "emit <name> [json-body]",
		Short: "Sends one event",
		Long: `Sends one event. Events are never answered; with --wait the command stays
connected and prints every event it receives until the wait is over.

	jsoncomm emit notify '{"text":"deploy finished"}' --addr 127.0.0.1:7400 --wait 1s`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return runEmit(ctx, st, cmd, &flags, wait, args[0], args[1:])
		},
	}
	flags.register(emitCmd)
	emitCmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Print events received for this long after sending.")
	return emitCmd
}

func runEmit(ctx context.Context, st *rootState, cmd *cobra.Command, flags *targetFlags, wait time.Duration, name string, args []string) error {
	body, err := parseBody(st, args)
	if err != nil {
		return err
	}

	t, err := openTarget(ctx, st, flags)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	if wait > 0 {
		t.onEvent(eventPrinter(cmd, st))
	}
	if err := t.emit(ctx, message.NewGenericEvent(name, body)); err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
