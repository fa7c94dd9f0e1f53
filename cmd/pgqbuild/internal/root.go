package internal

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/qiniu/x/log"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "pgqbuild",
	Short: "pgqbuild builds libpg_query for cgo",
	Long: `pgqbuild stages and compiles the bundled libpg_query sources, or uses an
external installation, announces how to link it and generates Go bindings
from its header.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetOutput(os.Stderr)
		if verbose {
			log.SetOutputLevel(log.Ldebug)
		} else {
			log.SetOutputLevel(log.Linfo)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "pgqbuild:", err)
		os.Exit(1)
	}
}
