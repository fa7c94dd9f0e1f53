//go:build darwin || linux

package symcheck

import (
	"fmt"

	"github.com/ebitengine/purego"
	"github.com/qiniu/x/log"
)

func check(libPath string, names []string) ([]string, error) {
	lib, err := purego.Dlopen(libPath, purego.RTLD_LAZY|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("symcheck: load %s: %w", libPath, err)
	}
	defer func() {
		if err := purego.Dlclose(lib); err != nil {
			log.Debugf("symcheck: close %s: %v", libPath, err)
		}
	}()

	var missing []string
	for _, name := range names {
		if _, err := purego.Dlsym(lib, name); err != nil {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
