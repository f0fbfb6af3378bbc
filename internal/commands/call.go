package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"jsoncomm/message"
	"jsoncomm/transport"
)

func newCallCommand(st *rootState) *cobra.Command {
	var flags targetFlags

	callCmd := &cobra.Command{
		Use:   "call <command> [json-body]",
		Short: "Sends one request and prints the response",
		Long: `Sends one request and prints the response body as indented JSON.

The body is a JSON object; its "command" field is set from the first argument.
A response with "failure": true makes the command exit with an error.

	jsoncomm call echo '{"text":"hello"}' --addr 127.0.0.1:7400`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return runCall(ctx, st, cmd, &flags, args[0], args[1:])
		},
	}
	flags.register(callCmd)
	return callCmd
}

func runCall(ctx context.Context, st *rootState, cmd *cobra.Command, flags *targetFlags, command string, args []string) error {
	body, err := parseBody(st, args)
	if err != nil {
		return err
	}

	t, err := openTarget(ctx, st, flags)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	var resp json.RawMessage
	err = t.call(ctx, message.NewGenericRequest(command, body), &resp)
	var failed *transport.FailedRequestError
	if errors.As(err, &failed) {
		resp = failed.Response
	} else if err != nil {
		return err
	}

	if werr := printJSON(cmd, resp); werr != nil {
		return werr
	}
	return err
}

func printJSON(cmd *cobra.Command, raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	out.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(out.Bytes())
	return err
}

func eventPrinter(cmd *cobra.Command, st *rootState) transport.EventHandler {
	return func(_ context.Context, ev message.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		st.log.V(1).Info("Event received", "name", ev.EventName())
		return printJSON(cmd, fmt.Appendf(nil, `{"event":%q,"body":%s}`, ev.EventName(), data))
	}
}
