package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/preacher1045/pdsno/internal/keys"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Dir   string
	Name  string
	Force bool
}

// KeyInfo describes one generated keypair.
type KeyInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	KeyID  string `json:"key_id"`
	Reused bool   `json:"reused,omitempty"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate Ed25519 signing keys",
		Long: `Generate the token and audit signing keypairs.

Keys are written to the key directory from the config, or --dir. Existing
keys are kept unless --force is given; rotating the audit key makes older
events verifiable only with the old public key.

Example:
  pdsno keygen
  pdsno keygen --name token-signing-key --force
  pdsno keygen --dir ./peer-keys --name peer-regional-1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "key directory (default: keys.dir from config)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "generate only this keypair")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace existing keys")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)

	dir := opts.Dir
	if dir == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
		}
		dir = cfg.Keys.Dir
	}

	names := []string{keys.TokenKey, keys.AuditKey}
	if opts.Name != "" {
		names = []string{opts.Name}
	}

	var infos []KeyInfo
	for _, name := range names {
		info, err := generateKey(dir, name, opts.Force)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeKeys, "failed to generate "+name, err)
		}
		out.VerboseLog("%s: %s", name, info.KeyID)
		infos = append(infos, info)
	}

	return out.Emit(infos, func(w io.Writer) {
		for _, info := range infos {
			if info.Reused {
				fmt.Fprintf(w, "- %s exists (key id %s)\n", info.Path, info.KeyID)
				continue
			}
			fmt.Fprintf(w, "✓ %s (key id %s)\n", info.Path, info.KeyID)
		}
	})
}

func generateKey(dir, name string, force bool) (KeyInfo, error) {
	info := KeyInfo{Name: name, Path: filepath.Join(dir, name)}
	if !force {
		pub, _, generated, err := keys.LoadOrGenerate(dir, name)
		if err != nil {
			return info, err
		}
		info.KeyID = keys.ID(pub)
		info.Reused = !generated
		return info, nil
	}

	if err := os.Remove(info.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return info, err
	}
	pub, priv, err := keys.Generate()
	if err != nil {
		return info, err
	}
	if err := keys.Save(dir, name, pub, priv); err != nil {
		return info, err
	}
	info.KeyID = keys.ID(pub)
	return info, nil
}
