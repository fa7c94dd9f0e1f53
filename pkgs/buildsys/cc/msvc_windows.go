//go:build windows

package cc

import (
	"path/filepath"

	"golang.org/x/sys/windows/registry"
)

// Visual Studio 2017 and later register their install roots here.
const vs7Key = `SOFTWARE\Microsoft\VisualStudio\SxS\VS7`

var vsVersions = []string{"17.0", "16.0", "15.0"}

// findMSVC looks up the newest cl.exe of a registered Visual Studio install.
func findMSVC() (string, bool) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, vs7Key, registry.QUERY_VALUE|registry.WOW64_32KEY)
	if err != nil {
		return "", false
	}
	defer k.Close()

	for _, v := range vsVersions {
		root, _, err := k.GetStringValue(v)
		if err != nil || root == "" {
			continue
		}
		matches, _ := filepath.Glob(filepath.Join(root, "VC", "Tools", "MSVC", "*", "bin", "Hostx64", "x64", "cl.exe"))
		if len(matches) == 0 {
			continue
		}
		return newestToolset(matches), true
	}
	return "", false
}

func siblingTool(cl, name string) string {
	return filepath.Join(filepath.Dir(cl), name)
}
