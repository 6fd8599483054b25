package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/store"
)

// VerifyResult reports an audit trail verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Events   int64  `json:"events"`
	LastSeq  int64  `json:"last_seq"`
	LastHash string `json:"last_hash,omitempty"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// TailEvent is one audit event in tail output.
type TailEvent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action,omitempty"`
	Decision  string    `json:"decision"`
	Payload   ir.Object `json:"payload,omitempty"`
}

// TailOptions holds flags for audit tail.
type TailOptions struct {
	*RootOptions
	Subject  string
	AfterSeq int64
	Limit    int
	Payload  bool
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the audit trail",
	}
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	cmd.AddCommand(newAuditTailCommand(rootOpts))
	return cmd
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain and signatures of the audit trail",
		Long: `Walk the whole audit trail and check sequence contiguity, hash chain
links, content hashes, Ed25519 signatures and referenced payloads.

Exits 1 and names the first bad event if any check fails.

Example:
  pdsno audit verify
  pdsno audit verify --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(rootOpts, cmd)
		},
	}
}

func runAuditVerify(opts *RootOptions, cmd *cobra.Command) error {
	out := formatter(opts, cmd)

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	report, err := a.audit.Verify(cmd.Context(), a.keyring())
	result := VerifyResult{
		Valid:    err == nil,
		Events:   report.Events,
		LastSeq:  report.LastSeq,
		LastHash: report.LastHash,
	}
	if err != nil {
		var chain *audit.ChainError
		if !errors.As(err, &chain) {
			return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to read audit trail", err)
		}
		result.BrokenAt = chain.Seq
		result.Reason = chain.Reason
		if opts.Format == "json" {
			_ = out.Success(result)
		} else {
			fmt.Fprintf(out.Writer, "✗ Audit trail broken at seq %d: %s\n", chain.Seq, chain.Reason)
			fmt.Fprintf(out.Writer, "  %d event(s) verified before the break\n", report.Events)
		}
		e := NewExitError(ExitFailure, chain.Error())
		e.ErrCode = ErrCodeAuditBroken
		return e
	}

	return out.Emit(result, func(w io.Writer) {
		if result.Events == 0 {
			fmt.Fprintln(w, "✓ Audit trail empty")
			return
		}
		fmt.Fprintf(w, "✓ Audit trail verified: %d events, head seq %d (%s)\n", result.Events, result.LastSeq, shortHash(result.LastHash))
	})
}

func newAuditTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit events",
		Long: `Show audit events in append order.

Without --after the last --limit events are shown. With --after, events
following that sequence number are shown, at most --limit of them.

Example:
  pdsno audit tail
  pdsno audit tail --subject cfg-0192 --payload
  pdsno audit tail --after 120 --limit 50 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditTail(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "only events about this subject")
	cmd.Flags().Int64Var(&opts.AfterSeq, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of events")
	cmd.Flags().BoolVar(&opts.Payload, "payload", false, "include event payloads")

	return cmd
}

func runAuditTail(opts *TailOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)
	if opts.Limit < 1 {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "--limit must be at least 1", nil)
	}

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	ctx := cmd.Context()
	filter := store.EventFilter{Subject: opts.Subject, AfterSeq: opts.AfterSeq}
	if opts.AfterSeq > 0 {
		filter.Limit = opts.Limit
	}
	events, err := a.audit.List(ctx, filter)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to read audit trail", err)
	}
	if len(events) > opts.Limit {
		events = events[len(events)-opts.Limit:]
	}

	tail := make([]TailEvent, 0, len(events))
	for _, ev := range events {
		te := TailEvent{
			Seq:       ev.Seq,
			Timestamp: ev.Timestamp,
			Type:      string(ev.Type),
			Actor:     ev.Actor,
			Subject:   ev.Subject,
			Action:    ev.Action,
			Decision:  ev.Decision.String(),
		}
		if opts.Payload {
			if te.Payload, err = a.audit.Payload(ctx, ev); err != nil {
				return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to load payload", err)
			}
		}
		tail = append(tail, te)
	}

	return out.Emit(tail, func(w io.Writer) {
		if len(tail) == 0 {
			fmt.Fprintln(w, "No events found.")
			return
		}
		for _, ev := range tail {
			fmt.Fprintf(w, "[%d] %s %-28s %-10s %s by %s\n",
				ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339), ev.Type, ev.Decision, ev.Subject, ev.Actor)
			if opts.Payload && len(ev.Payload) > 0 {
				body, err := ir.MarshalCanonical(ev.Payload)
				if err == nil {
					fmt.Fprintf(w, "      %s\n", body)
				}
			}
		}
	})
}
