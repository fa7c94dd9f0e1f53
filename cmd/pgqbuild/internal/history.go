package internal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/goplus/pgqbuild/internal/env"
	"github.com/goplus/pgqbuild/internal/ledger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	historyOut  string
	historyYAML bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the builds recorded in an output directory",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyOut, "out", "", "Output directory (default: "+env.VarOutDir+")")
	historyCmd.Flags().BoolVar(&historyYAML, "yaml", false, "Print full records as YAML")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	dir := historyOut
	if dir == "" {
		dir, _ = lookupEnv(env.VarOutDir)
	}
	if dir == "" {
		return fmt.Errorf("no output directory: pass --out or set %s", env.VarOutDir)
	}
	if _, err := os.Stat(filepath.Join(dir, ledger.FileName)); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "no builds recorded")
		return nil
	}
	l, err := ledger.OpenDir(dir)
	if err != nil {
		return err
	}
	defer l.Close()
	records, err := l.List()
	if err != nil {
		return err
	}
	if historyYAML {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	}
	return printHistory(cmd.OutOrStdout(), records)
}

func printHistory(w io.Writer, records []*ledger.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTARGET\tPROFILE\tMODE\tPG\tBINDINGS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.BuildTime.Local().Format(time.DateTime), r.Target, r.Profile, r.Mode,
			orDash(r.PGVersion), short(r.BindingsDigest))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return orDash(digest)
}
