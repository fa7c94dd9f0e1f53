package internal

import (
	"github.com/goplus/pgqbuild/internal/env"
	"github.com/spf13/cobra"
)

// lookupEnv is the environment every command reads.
var lookupEnv = env.OS()

// configFlags are the environment variables a command line may override.
type configFlags struct {
	out, target, profile, source, external, pkg string
}

func (f *configFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.out, "out", "", "Output directory (overrides "+env.VarOutDir+")")
	fs.StringVar(&f.target, "target", "", "Target triple (overrides "+env.VarTarget+")")
	fs.StringVar(&f.profile, "profile", "", `Build profile, "debug" or "release" (overrides `+env.VarProfile+")")
	fs.StringVar(&f.source, "source", "", "Bundled source tree (overrides "+env.VarSourceDir+")")
	fs.StringVar(&f.external, "external", "", "External installation prefix (overrides "+env.VarExternal+")")
	fs.StringVar(&f.pkg, "package", "", "Package name of the bindings (overrides "+env.VarPackage+")")
}

// load reads the configuration from the process environment, with the
// flags set on cmd taking precedence.
func (f *configFlags) load(cmd *cobra.Command) (*env.Config, error) {
	overrides := map[string]string{}
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			overrides[key] = value
		}
	}
	set("out", env.VarOutDir, f.out)
	set("target", env.VarTarget, f.target)
	set("profile", env.VarProfile, f.profile)
	set("source", env.VarSourceDir, f.source)
	set("external", env.VarExternal, f.external)
	set("package", env.VarPackage, f.pkg)
	return env.Load(env.Overlay(lookupEnv, overrides))
}
