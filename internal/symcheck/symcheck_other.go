//go:build !(darwin || linux)

package symcheck

func check(string, []string) ([]string, error) {
	return nil, ErrUnsupported
}
