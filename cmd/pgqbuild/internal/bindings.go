package internal

import (
	"fmt"
	"path/filepath"

	"github.com/goplus/pgqbuild/internal/announce"
	"github.com/goplus/pgqbuild/internal/bindgen"
	"github.com/goplus/pgqbuild/internal/env"
	"github.com/goplus/pgqbuild/internal/native"
	"github.com/spf13/cobra"
)

var (
	bindingsOut     string
	bindingsPackage string
	bindingsInclude string
	bindingsLibDir  string
	bindingsLib     string
)

var bindingsCmd = &cobra.Command{
	Use:   "bindings <header>",
	Short: "Generate a binding module from a header",
	Long: `Bindings parses a C header and writes a cgo binding module for it,
independently of any build.`,
	Args: cobra.ExactArgs(1),
	RunE: runBindings,
}

func init() {
	fs := bindingsCmd.Flags()
	fs.StringVar(&bindingsOut, "out", ".", "Directory to write "+bindgen.BindingsFile+" into")
	fs.StringVar(&bindingsPackage, "package", env.DefaultPackage, "Package name of the bindings")
	fs.StringVar(&bindingsInclude, "include", "", "Include directory for cgo (default: the header's directory)")
	fs.StringVar(&bindingsLibDir, "lib-dir", "", "Library search directory for cgo (default: no LDFLAGS)")
	fs.StringVar(&bindingsLib, "lib", native.LibName, "Library to link against")
	rootCmd.AddCommand(bindingsCmd)
}

func runBindings(cmd *cobra.Command, args []string) error {
	opts := bindgen.Options{
		Package:    bindingsPackage,
		IncludeDir: bindingsInclude,
	}
	if bindingsLibDir != "" {
		dir, err := filepath.Abs(bindingsLibDir)
		if err != nil {
			return err
		}
		opts.Linkage = announce.Linkage{SearchDir: dir, Lib: bindingsLib}
	}
	h, sum, err := bindgen.Generate(args[0], bindingsOut, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d functions\tsha256:%s\n",
		filepath.Join(bindingsOut, bindgen.BindingsFile), len(h.FuncNames()), sum)
	return nil
}
