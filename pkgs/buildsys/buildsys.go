// Package buildsys defines the lifecycle shared by native build drivers.
package buildsys

import (
	"context"
	"fmt"
)

// BuildSystem is a native build driver: point it at a source tree and an
// install location, then configure, build and install.
type BuildSystem interface {
	Source(dir string)
	InstallDir(dir string)
	Env(key, val string)

	// Configure resolves what will run without running it.
	Configure(ctx context.Context) error
	Build(ctx context.Context) error
	Install(ctx context.Context) error

	// OutputDir is where Install leaves its artifacts.
	OutputDir() string
}

// Step names a lifecycle phase.
type Step string

const (
	StepConfigure Step = "configure"
	StepBuild     Step = "build"
	StepInstall   Step = "install"
)

// StepError reports the phase a BuildSystem failed in.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Run drives bs through configure, build and install, stopping at the first
// failure. It returns bs.OutputDir on success.
func Run(ctx context.Context, bs BuildSystem) (string, error) {
	steps := []struct {
		step Step
		fn   func(context.Context) error
	}{
		{StepConfigure, bs.Configure},
		{StepBuild, bs.Build},
		{StepInstall, bs.Install},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return "", &StepError{Step: s.step, Err: err}
		}
		if err := s.fn(ctx); err != nil {
			return "", &StepError{Step: s.step, Err: err}
		}
	}
	return bs.OutputDir(), nil
}
