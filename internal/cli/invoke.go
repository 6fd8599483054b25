package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/preacher1045/pdsno/internal/approval"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Args string
	File string
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <op>",
		Short: "Call one governance operation",
		Long: `Call one governance operation against the database and print the
structured response {ok, kind, message, data}.

Operations: propose, classify, decide, issueToken, verifyToken,
recordExecutionResult, rollback, emergency, reviewEmergency,
clearDegraded, get.

Arguments are the JSON request fields, from --args or --file (- for
stdin). The caller defaults to this controller's identity. Escalations
are not forwarded from the CLI, so they time out at once and follow the
policy's fallback rules.

Example:
  pdsno invoke propose --args '{"change_type":"vlan.add","payload":{"vlan":42},"device_ids":["dev-aabbccddee01"]}'
  pdsno invoke decide --args '{"config_id":"cfg-0192","action":"approve"}'
  pdsno invoke issueToken --file request.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeOp(opts, approval.Op(args[0]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "{}", "request fields as JSON")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read request fields from a JSON file (- for stdin)")

	return cmd
}

func invokeOp(opts *InvokeOptions, op approval.Op, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)

	raw := []byte(opts.Args)
	if opts.File != "" {
		var err error
		if opts.File == "-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
		} else {
			raw, err = os.ReadFile(opts.File)
		}
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("cannot read %s", opts.File), err)
		}
	}

	var req approval.Request
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "invalid request JSON", err)
	}
	req.Op = op

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	if req.Caller.ID == "" {
		req.Caller = a.cfg.Identity.Identity()
	}

	svc, err := a.service(nil)
	if err != nil {
		return failOpen(out, err)
	}

	resp := svc.Handle(cmd.Context(), req)
	out.VerboseLog("%s by %s: ok=%t kind=%s", op, req.Caller.ID, resp.OK, resp.Kind)

	if opts.Format == "json" {
		enc := json.NewEncoder(out.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		writeResponse(out.Writer, resp)
	}
	if !resp.OK {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", resp.Kind, resp.Message))
	}
	return nil
}

func writeResponse(w io.Writer, resp approval.Response) {
	if !resp.OK {
		fmt.Fprintf(w, "✗ %s: %s\n", resp.Kind, resp.Message)
		return
	}
	fmt.Fprintln(w, "✓ ok")
	if resp.Data == nil {
		return
	}
	body, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", resp.Data)
		return
	}
	fmt.Fprintf(w, "%s\n", body)
}
