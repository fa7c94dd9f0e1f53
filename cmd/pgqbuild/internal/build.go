package internal

import (
	"fmt"

	"github.com/goplus/pgqbuild/internal/announce"
	"github.com/goplus/pgqbuild/internal/env"
	"github.com/goplus/pgqbuild/internal/ledger"
	"github.com/goplus/pgqbuild/internal/pipeline"
	"github.com/qiniu/x/log"
	"github.com/spf13/cobra"
)

var (
	buildFlags  configFlags
	buildExport string
	buildRecord bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build libpg_query and its bindings",
	Long: `Build locates libpg_query, compiles the bundled copy when no external
installation is configured, prints the link directives and writes the
binding module into the output directory.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildFlags.register(buildCmd)
	buildCmd.Flags().StringVarP(&buildExport, "export", "o", "", "Also copy the artifacts to a directory or .zip file")
	buildCmd.Flags().BoolVar(&buildRecord, "ledger", true, "Record the build in the output directory's ledger")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := buildFlags.load(cmd)
	if err != nil {
		return err
	}
	res, err := buildOnce(cmd, cfg)
	if err != nil {
		return err
	}
	if buildExport != "" {
		if err := exportResult(res, buildExport); err != nil {
			return fmt.Errorf("failed to export artifacts: %w", err)
		}
		log.Infof("pgqbuild: exported artifacts to %s", buildExport)
	}
	return nil
}

// buildOnce runs the pipeline for cfg, announcing on the command's stdout.
func buildOnce(cmd *cobra.Command, cfg *env.Config) (*pipeline.Result, error) {
	opts := []pipeline.Option{pipeline.WithAnnouncer(cmd.OutOrStdout(), announce.DefaultPrefix)}
	if buildRecord {
		l, err := ledger.OpenDir(cfg.OutDir)
		if err != nil {
			log.Warnf("pgqbuild: ledger disabled: %v", err)
		} else {
			defer l.Close()
			opts = append(opts, pipeline.WithLedger(l))
		}
	}
	return pipeline.New(cfg, opts...).Run(cmd.Context())
}
