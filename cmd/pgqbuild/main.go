// Command pgqbuild builds libpg_query and generates its cgo bindings.
package main

import "github.com/goplus/pgqbuild/cmd/pgqbuild/internal"

func main() {
	internal.Execute()
}
