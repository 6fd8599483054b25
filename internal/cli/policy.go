package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/preacher1045/pdsno/internal/policy"
)

// ValidationIssue is one problem found in a policy document.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Version string            `json:"version,omitempty"`
	Format  string            `json:"format,omitempty"`
	Hash    string            `json:"hash,omitempty"`
	Rules   int               `json:"rules,omitempty"`
	Errors  []ValidationIssue `json:"errors,omitempty"`
}

// ActivateResult reports an activated policy version.
type ActivateResult struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
	Actor   string `json:"actor"`
}

// PolicyVersion is one stored version in policy list output.
type PolicyVersion struct {
	Version  string `json:"version"`
	Format   string `json:"format"`
	Hash     string `json:"hash"`
	LoadedBy string `json:"loaded_by"`
	Active   bool   `json:"active"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate, store and activate governance policies",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyActivateCommand(rootOpts))
	cmd.AddCommand(newPolicyListCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy-file>",
		Short: "Validate a policy document without storing it",
		Long: `Validate a YAML or CUE policy document against the policy schema.

The format is chosen by file extension (.cue for CUE, anything else is
YAML). Unknown keys, bad tiers and malformed durations are reported with
their line when the schema can locate them.

Example:
  pdsno policy validate ./policy.yaml
  pdsno policy validate ./policy.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(rootOpts, args[0], cmd)
		},
	}
}

func runPolicyValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := formatter(opts, cmd)

	doc, format, err := policy.LoadFile(path)
	if err != nil {
		var ve *policy.ValidationError
		if !errors.As(err, &ve) {
			return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("cannot read policy %s", path), err)
		}
		return outputValidationErrors(out, []ValidationIssue{issueFrom(ve)})
	}
	hash, err := doc.Hash()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to hash policy", err)
	}

	out.VerboseLog("Loaded %s policy %s", format, path)
	result := ValidationResult{
		Valid:   true,
		Version: doc.Version,
		Format:  format,
		Hash:    hash,
		Rules:   len(doc.Classification.Rules),
	}
	return out.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Policy %s valid (%d rules, hash %s)\n", result.Version, result.Rules, shortHash(result.Hash))
	})
}

func issueFrom(ve *policy.ValidationError) ValidationIssue {
	issue := ValidationIssue{Field: ve.Field, Message: ve.Message}
	if ve.Pos.IsValid() {
		issue.Line = ve.Pos.Line()
	}
	return issue
}

// outputValidationErrors outputs validation failures.
func outputValidationErrors(out *OutputFormatter, issues []ValidationIssue) error {
	if out.Format == "json" {
		encoder := json.NewEncoder(out.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error:  &CLIError{Code: ErrCodePolicyInvalid, Message: issues[0].Message},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	fmt.Fprintln(out.Writer, "✗ Validation failed")
	fmt.Fprintln(out.Writer)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(out.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(out.Writer, "  %s: %s\n\n", issue.Field, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}

func newPolicyActivateCommand(rootOpts *RootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "activate [policy-file]",
		Short: "Store a policy version and make it the active one",
		Long: `Store a policy document as an immutable version and activate it.

Without an argument the policy.path from the config is used. Storing a
version that already exists with identical content is a no-op; different
content under an existing version is rejected. Activation is audited.

Example:
  pdsno policy activate
  pdsno policy activate ./policy-2026.10.yaml --actor ops-oncall`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runPolicyActivate(rootOpts, path, actor, cmd)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "recorded activator (default: identity.id from config)")
	return cmd
}

func runPolicyActivate(opts *RootOptions, path, actor string, cmd *cobra.Command) error {
	out := formatter(opts, cmd)

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	if path == "" {
		path = a.cfg.Policy.Path
	}
	if actor == "" {
		actor = a.cfg.Identity.ID
	}

	doc, format, err := policy.LoadFile(path)
	if err != nil {
		var ve *policy.ValidationError
		if errors.As(err, &ve) {
			return outputValidationErrors(out, []ValidationIssue{issueFrom(ve)})
		}
		return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("cannot read policy %s", path), err)
	}

	ctx := cmd.Context()
	rec, err := a.policies.Store(ctx, doc, format, actor)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodePolicyInvalid, "failed to store policy", err)
	}
	if err := a.policies.Activate(ctx, doc.Version, actor); err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "failed to activate policy", err)
	}

	result := ActivateResult{Version: rec.PolicyVersion, Hash: rec.Hash, Actor: actor}
	return out.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Policy %s active (hash %s)\n", result.Version, shortHash(result.Hash))
	})
}

func newPolicyListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stored policy versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyList(rootOpts, cmd)
		},
	}
}

func runPolicyList(opts *RootOptions, cmd *cobra.Command) error {
	out := formatter(opts, cmd)

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	ctx := cmd.Context()
	records, err := a.policies.Versions(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to list policies", err)
	}
	active := ""
	if sp, err := a.policies.Active(ctx); err == nil {
		active = sp.Record.PolicyVersion
	} else if !policy.IsNoActivePolicy(err) {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to read active policy", err)
	}

	versions := make([]PolicyVersion, 0, len(records))
	for _, rec := range records {
		versions = append(versions, PolicyVersion{
			Version:  rec.PolicyVersion,
			Format:   rec.Format,
			Hash:     rec.Hash,
			LoadedBy: rec.LoadedBy,
			Active:   rec.PolicyVersion == active,
		})
	}

	return out.Emit(versions, func(w io.Writer) {
		if len(versions) == 0 {
			fmt.Fprintln(w, "No policies stored.")
			return
		}
		for _, v := range versions {
			marker := " "
			if v.Active {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %-20s %-4s %s  loaded by %s\n", marker, v.Version, v.Format, shortHash(v.Hash), v.LoadedBy)
		}
	})
}

// shortHash trims a hex digest for text output.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// failOpen reports an openApp error, keeping its exit code.
func failOpen(out *OutputFormatter, err error) error {
	code := ErrCodeGeneric
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.ErrCode != "" {
		code = exitErr.ErrCode
	}
	_ = out.Error(code, err.Error(), nil)
	return err
}
