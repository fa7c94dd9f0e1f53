// Package env builds the immutable build configuration from the variables
// supplied by the enclosing build system.
package env

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/token"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Variables read from the enclosing build system.
const (
	VarOutDir       = "OUT_DIR"
	VarTarget       = "TARGET"
	VarProfile      = "PROFILE"
	VarDebug        = "DEBUG"
	VarExternal     = "PG_QUERY_PATH"
	VarSourceDir    = "PGQBUILD_SOURCE_DIR"
	VarPackage      = "PGQBUILD_PACKAGE"
	VarMinPGVersion = "PGQBUILD_MIN_PG_VERSION"
	VarOptLevel     = "OPT_LEVEL"
	VarJobs         = "NUM_JOBS"
	VarCFlags       = "CFLAGS"
)

const (
	DefaultSourceDir = "c_libs/libpg_query"
	DefaultPackage   = "pgquery"
)

// LookupFunc reports the value of an environment variable and whether it
// was set at all.
type LookupFunc func(key string) (string, bool)

// OS returns a LookupFunc backed by the process environment.
func OS() LookupFunc {
	return os.LookupEnv
}

// Overlay returns a LookupFunc that consults overrides before base.
func Overlay(base LookupFunc, overrides map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := overrides[key]; ok {
			return v, true
		}
		if base == nil {
			return "", false
		}
		return base(key)
	}
}

// Map returns a LookupFunc over a fixed set of variables.
func Map(vars map[string]string) LookupFunc {
	return Overlay(nil, vars)
}

// ConfigurationError reports a required variable that is absent or a value
// that cannot be used.
type ConfigurationError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("configuration: %s=%q: %s", e.Key, e.Value, e.Reason)
}

// Config is a read-only snapshot of the build parameters. It is constructed
// once by Load and passed to every component.
type Config struct {
	OutDir  string
	Target  string
	Profile string
	// DebugFlag is the raw DEBUG value; only "1" has an effect.
	DebugFlag string

	ExternalPath string
	HasExternal  bool

	SourceDir string

	CC       string
	AR       string
	CFlags   []string
	OptLevel string
	Jobs     int

	Package      string
	MinPGVersion string
}

// Load reads and validates the configuration through lookup.
func Load(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = OS()
	}
	c := &Config{}

	out, err := required(lookup, VarOutDir)
	if err != nil {
		return nil, err
	}
	if c.OutDir, err = filepath.Abs(out); err != nil {
		return nil, &ConfigurationError{Key: VarOutDir, Value: out, Reason: err.Error()}
	}

	if c.Target, err = required(lookup, VarTarget); err != nil {
		return nil, err
	}
	if strings.Count(c.Target, "-") < 1 || strings.ContainsAny(c.Target, " \t/\\") {
		return nil, &ConfigurationError{Key: VarTarget, Value: c.Target, Reason: "not a target triple"}
	}

	if c.Profile, err = required(lookup, VarProfile); err != nil {
		return nil, err
	}
	if c.Profile != "debug" && c.Profile != "release" {
		return nil, &ConfigurationError{Key: VarProfile, Value: c.Profile, Reason: `want "debug" or "release"`}
	}

	c.DebugFlag, _ = lookup(VarDebug)

	if ext, ok := lookup(VarExternal); ok {
		if strings.TrimSpace(ext) == "" {
			return nil, &ConfigurationError{Key: VarExternal, Reason: "set but empty"}
		}
		if c.ExternalPath, err = filepath.Abs(ext); err != nil {
			return nil, &ConfigurationError{Key: VarExternal, Value: ext, Reason: err.Error()}
		}
		c.HasExternal = true
	}

	src := DefaultSourceDir
	if v, ok := lookup(VarSourceDir); ok && v != "" {
		src = v
	}
	if c.SourceDir, err = filepath.Abs(src); err != nil {
		return nil, &ConfigurationError{Key: VarSourceDir, Value: src, Reason: err.Error()}
	}

	c.CC = toolFromEnv(lookup, "CC", c.Target)
	c.AR = toolFromEnv(lookup, "AR", c.Target)
	if v, ok := lookup(VarCFlags); ok {
		c.CFlags = strings.Fields(v)
	}

	if c.OptLevel, err = optLevel(lookup, c.Profile); err != nil {
		return nil, err
	}

	c.Jobs = runtime.NumCPU()
	if v, ok := lookup(VarJobs); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, &ConfigurationError{Key: VarJobs, Value: v, Reason: "want a positive integer"}
		}
		c.Jobs = n
	}

	c.Package = DefaultPackage
	if v, ok := lookup(VarPackage); ok && v != "" {
		if !token.IsIdentifier(v) || v == "_" {
			return nil, &ConfigurationError{Key: VarPackage, Value: v, Reason: "not a Go package name"}
		}
		c.Package = v
	}

	if v, ok := lookup(VarMinPGVersion); ok && v != "" {
		if !semver.IsValid(CanonicalVersion(v)) {
			return nil, &ConfigurationError{Key: VarMinPGVersion, Value: v, Reason: "not a version"}
		}
		c.MinPGVersion = v
	}
	return c, nil
}

func required(lookup LookupFunc, key string) (string, error) {
	v, ok := lookup(key)
	if !ok {
		return "", &ConfigurationError{Key: key, Reason: "not set"}
	}
	if strings.TrimSpace(v) == "" {
		return "", &ConfigurationError{Key: key, Reason: "empty"}
	}
	return v, nil
}

// toolFromEnv resolves a tool override in the order <KIND>_<target>,
// <KIND>_<target_with_underscores>, TARGET_<KIND>, <KIND>.
func toolFromEnv(lookup LookupFunc, kind, target string) string {
	keys := []string{
		kind + "_" + target,
		kind + "_" + strings.ReplaceAll(target, "-", "_"),
		"TARGET_" + kind,
		kind,
	}
	for _, k := range keys {
		if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func optLevel(lookup LookupFunc, profile string) (string, error) {
	v, ok := lookup(VarOptLevel)
	if !ok || v == "" {
		if profile == "debug" {
			return "0", nil
		}
		return "2", nil
	}
	switch v {
	case "0", "1", "2", "3", "s", "z":
		return v, nil
	}
	return "", &ConfigurationError{Key: VarOptLevel, Value: v, Reason: "want one of 0 1 2 3 s z"}
}

// CanonicalVersion turns "17", "17.4" or "v17.4.1" into a semver string
// with a leading "v".
func CanonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// DebugAssertions reports whether USE_ASSERT_CHECKING must be defined. Either
// signal suffices.
func (c *Config) DebugAssertions() bool {
	return c.Profile == "debug" || c.DebugFlag == "1"
}

// IsWindows reports whether the target belongs to the Windows family.
func (c *Config) IsWindows() bool {
	return strings.Contains(c.Target, "windows")
}

// IsMSVC reports whether the target uses the MSVC toolchain.
func (c *Config) IsMSVC() bool {
	return c.IsWindows() && strings.Contains(c.Target, "msvc")
}

// IsApple reports whether the target is a Darwin platform.
func (c *Config) IsApple() bool {
	return strings.Contains(c.Target, "apple") || strings.Contains(c.Target, "darwin")
}

// Fingerprint identifies the inputs that select what a build produces.
func (c *Config) Fingerprint() string {
	h := sha256.New()
	for _, s := range []string{
		c.Target, c.Profile, c.DebugFlag, c.OptLevel,
		strconv.FormatBool(c.HasExternal), c.ExternalPath,
		c.SourceDir, c.Package, strings.Join(c.CFlags, " "),
	} {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
