package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/preacher1045/pdsno/internal/model"
)

// LockView is a lock in command output.
type LockView struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Type      string    `json:"type"`
	Holder    string    `json:"holder"`
	RequestID string    `json:"request_id,omitempty"`
	Acquired  time.Time `json:"acquired_at"`
	Expires   time.Time `json:"expires_at"`
}

// CheckResult reports whether a subject is locked.
type CheckResult struct {
	Subject string    `json:"subject"`
	Type    string    `json:"type"`
	Held    bool      `json:"held"`
	Lock    *LockView `json:"lock,omitempty"`
}

func lockView(l model.Lock) LockView {
	return LockView{
		ID:        l.ID,
		Subject:   l.SubjectID,
		Type:      l.Type.String(),
		Holder:    l.HolderID,
		RequestID: l.RequestID,
		Acquired:  l.AcquiredAt,
		Expires:   l.ExpiresAt,
	}
}

// NewLocksCommand creates the locks command group.
func NewLocksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clean up advisory locks",
	}
	cmd.AddCommand(newLocksListCommand(rootOpts))
	cmd.AddCommand(newLocksCheckCommand(rootOpts))
	cmd.AddCommand(newLocksSweepCommand(rootOpts))
	return cmd
}

func newLocksListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List locks held now",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(rootOpts, cmd)
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return failOpen(out, err)
			}
			defer a.Close()

			held, err := a.locks.Active(cmd.Context())
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to list locks", err)
			}
			views := make([]LockView, 0, len(held))
			for _, l := range held {
				views = append(views, lockView(l))
			}
			return out.Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No locks held.")
					return
				}
				for _, v := range views {
					fmt.Fprintf(w, "%-10s %-24s held by %s until %s\n", v.Type, v.Subject, v.Holder, v.Expires.UTC().Format(time.RFC3339))
				}
			})
		},
	}
}

func newLocksCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var lockType string
	cmd := &cobra.Command{
		Use:   "check <subject-id>",
		Short: "Report whether a subject is locked",
		Long: `Report whether a lock on the subject is held now.

An active lock past its expiry is reported as free, whether or not the
sweeper has marked it expired yet.

Example:
  pdsno locks check dev-aabbccddee01
  pdsno locks check cfg-0192 --type config`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocksCheck(rootOpts, args[0], lockType, cmd)
		},
	}
	cmd.Flags().StringVar(&lockType, "type", "device", "lock type (device|config|validation)")
	return cmd
}

func runLocksCheck(opts *RootOptions, subject, typeName string, cmd *cobra.Command) error {
	out := formatter(opts, cmd)

	lt, err := model.ParseLockType(typeName)
	if err != nil || lt == model.LockTypeUnknown {
		return out.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("invalid lock type %q", typeName), err)
	}

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	l, held, err := a.locks.Check(cmd.Context(), subject, lt)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to check lock", err)
	}
	result := CheckResult{Subject: subject, Type: lt.String(), Held: held}
	if held {
		v := lockView(l)
		result.Lock = &v
	}
	return out.Emit(result, func(w io.Writer) {
		if !held {
			fmt.Fprintf(w, "%s %s is free\n", result.Type, subject)
			return
		}
		fmt.Fprintf(w, "%s %s is held by %s (lock %s) until %s\n",
			result.Type, subject, l.HolderID, l.ID, l.ExpiresAt.UTC().Format(time.RFC3339))
	})
}

func newLocksSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark expired locks and purge old lock and redemption rows",
		Long: `Run one housekeeping pass, as the serve command does on its interval.

Rows that ended longer than locks.retention ago are purged.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(rootOpts, cmd)
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return failOpen(out, err)
			}
			defer a.Close()

			res, err := a.sweeper().SweepOnce(cmd.Context())
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeGeneric, "sweep failed", err)
			}
			return out.Emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Sweep done: %d expired, %d purged, %d redemptions purged\n", res.Expired, res.Purged, res.Redemptions)
			})
		},
	}
}
