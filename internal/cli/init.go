package cli

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/preacher1045/pdsno/internal/config"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

//go:embed templates/policy.yaml
var starterPolicy []byte

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	ID        string
	Authority string
	Force     bool
}

// InitResult lists what init wrote.
type InitResult struct {
	Config   string   `json:"config"`
	Policy   string   `json:"policy,omitempty"`
	Database string   `json:"database"`
	Keys     []string `json:"keys,omitempty"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file, signing keys, a starter policy and the database",
		Long: `Create everything a controller needs to start.

Writes the config file named by --config with default settings, generates
the token and audit signing keys (existing keys are kept), writes a
starter policy next to the config if none exists, and creates the
database schema.

Example:
  pdsno init --id regional-1 --authority REGIONAL
  pdsno init --config /etc/pdsno/pdsno.yaml --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "controller-1", "controller identity")
	cmd.Flags().StringVar(&opts.Authority, "authority", "LOCAL", "controller tier (LOCAL|REGIONAL|GLOBAL)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)

	authority, err := model.ParseAuthority(opts.Authority)
	if err != nil || !authority.Valid() {
		return out.Fail(ExitCommandError, ErrCodeConfig, fmt.Sprintf("invalid authority %q", opts.Authority), err)
	}

	if _, err := os.Stat(opts.Config); err == nil && !opts.Force {
		return out.Fail(ExitCommandError, ErrCodeWriteFailed,
			fmt.Sprintf("config %s already exists (use --force to overwrite)", opts.Config), nil)
	}

	// Relative paths in the new config are resolved from the config's
	// directory.
	base := filepath.Dir(opts.Config)
	cfg := config.DefaultConfig()
	cfg.Identity = config.IdentityConfig{ID: opts.ID, Authority: authority}
	cfg.Store.Path = filepath.Join(base, cfg.Store.Path)
	cfg.Keys.Dir = filepath.Join(base, cfg.Keys.Dir)
	cfg.Policy.Path = filepath.Join(base, cfg.Policy.Path)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to encode config", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return out.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to create config directory", err)
	}
	if err := os.WriteFile(opts.Config, data, 0o644); err != nil {
		return out.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to write config", err)
	}
	out.VerboseLog("wrote %s", opts.Config)

	result := InitResult{Config: opts.Config, Database: cfg.Store.Path}

	for _, name := range []string{keys.TokenKey, keys.AuditKey} {
		_, _, generated, err := keys.LoadOrGenerate(cfg.Keys.Dir, name)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeKeys, "failed to create "+name, err)
		}
		if generated {
			result.Keys = append(result.Keys, filepath.Join(cfg.Keys.Dir, name))
		}
	}

	if _, err := os.Stat(cfg.Policy.Path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(cfg.Policy.Path, starterPolicy, 0o644); err != nil {
			return out.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to write starter policy", err)
		}
		result.Policy = cfg.Policy.Path
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to create database", err)
	}
	if err := st.Close(); err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to close database", err)
	}

	return out.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Wrote config %s\n", result.Config)
		for _, k := range result.Keys {
			fmt.Fprintf(w, "✓ Generated key %s\n", k)
		}
		if result.Policy != "" {
			fmt.Fprintf(w, "✓ Wrote starter policy %s\n", result.Policy)
		}
		fmt.Fprintf(w, "✓ Database ready at %s\n", result.Database)
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Next: pdsno policy activate %s\n", cfg.Policy.Path)
	})
}
