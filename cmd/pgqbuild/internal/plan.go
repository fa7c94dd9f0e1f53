package internal

import (
	"errors"

	"github.com/goplus/pgqbuild/internal/native"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var planFlags configFlags

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the compile plan as YAML",
	Long: `Plan resolves the translation units, include directories, defines and
flags a bundled build would use and prints them without running anything.
Source paths refer to the bundled source tree.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planFlags.register(planCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := planFlags.load(cmd)
	if err != nil {
		return err
	}
	if cfg.HasExternal {
		return errors.New("an external installation is configured; nothing would be compiled")
	}
	b, err := native.Configure(cfg, cfg.SourceDir)
	if err != nil {
		return err
	}
	if err := b.Configure(cmd.Context()); err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(b.Plan()); err != nil {
		return err
	}
	return enc.Close()
}
