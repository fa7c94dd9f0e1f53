package internal

import (
	"fmt"

	"github.com/goplus/pgqbuild/internal/bindgen"
	"github.com/goplus/pgqbuild/internal/symcheck"
	"github.com/spf13/cobra"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols <shared-lib> <header>",
	Short: "Check that a shared library exports every declared function",
	Args:  cobra.ExactArgs(2),
	RunE:  runSymbols,
}

func init() {
	rootCmd.AddCommand(symbolsCmd)
}

func runSymbols(cmd *cobra.Command, args []string) error {
	h, err := bindgen.ParseHeader(args[1])
	if err != nil {
		return err
	}
	names := h.FuncNames()
	missing, err := symcheck.Check(args[0], names)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, name := range missing {
		fmt.Fprintf(out, "missing\t%s\n", name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d of %d functions are not exported by %s", len(missing), len(names), args[0])
	}
	fmt.Fprintf(out, "ok\t%d functions\n", len(names))
	return nil
}
