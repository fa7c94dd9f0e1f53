package internal

import (
	"context"
	"errors"
	"time"

	"github.com/goplus/pgqbuild/internal/locate"
	"github.com/goplus/pgqbuild/internal/watch"
	"github.com/qiniu/x/log"
	"github.com/spf13/cobra"
)

var (
	watchFlags    configFlags
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild whenever the sources change",
	Long: `Watch builds once, then watches the bundled source tree (or the include
directory of an external installation) and rebuilds after every burst of
changes. Builds never overlap; a failed build is reported and watching
continues.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchFlags.register(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "Quiet period before rebuilding")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := watchFlags.load(cmd)
	if err != nil {
		return err
	}
	src := locate.Locate(cfg)
	dir := src.Root
	if src.Mode == locate.External {
		dir = src.IncludeDir(cfg.OutDir)
	}

	if _, err := buildOnce(cmd, cfg); err != nil {
		log.Warnf("pgqbuild: %v", err)
	}

	w, err := watch.New(dir)
	if err != nil {
		return err
	}
	defer w.Stop()
	log.Infof("pgqbuild: watching %s", dir)

	err = w.Run(cmd.Context(), watchDebounce, func(ctx context.Context, changed []string) error {
		log.Debugf("pgqbuild: changed %v", changed)
		_, err := buildOnce(cmd, cfg)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
