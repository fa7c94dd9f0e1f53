// Package bindgen turns a C header into a cgo binding module that mirrors
// its declared types, constants and functions.
package bindgen

import (
	"fmt"
	"strconv"
	"strings"
)

// GenerationError reports a header that cannot be read or parsed, or a
// binding module that does not come out as valid Go.
type GenerationError struct {
	Header string
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("bindings: %s: %v", e.Header, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Header holds the declarations of one C header, each kind in declaration
// order.
type Header struct {
	Path     string
	Macros   []Macro
	Enums    []Enum
	Structs  []Struct
	Typedefs []Typedef
	Funcs    []Func
}

// Macro is an object-like #define with a non-empty value.
type Macro struct {
	Name  string
	Value string
}

// Enum is an enum declaration. Name is the typedef name, if any.
type Enum struct {
	Name        string
	Tag         string
	Typedef     bool
	Enumerators []Enumerator
}

type Enumerator struct {
	Name  string
	Value string
}

// Struct is a struct with a body. Name is the typedef name, if any.
type Struct struct {
	Name    string
	Tag     string
	Typedef bool
	Fields  []Field
}

type Field struct {
	Name string
	Type Type
	// Bitfield members have no Go counterpart.
	Bitfield bool
}

type Typedef struct {
	Name string
	Type Type
}

type Param struct {
	Name string
	Type Type
}

type Func struct {
	Name     string
	Result   Type
	Params   []Param
	Variadic bool
}

// Type is a C type reduced to what the binding needs.
type Type struct {
	// Base is the spelled type without qualifiers or declarators, for
	// example "char", "unsigned int", "PgQueryError" or "struct Node".
	Base     string
	Const    bool
	Pointers int
	Array    bool
	// FuncPtr marks a pointer to function.
	FuncPtr bool
}

func (t Type) String() string {
	var b strings.Builder
	if t.Const {
		b.WriteString("const ")
	}
	b.WriteString(t.Base)
	if t.FuncPtr {
		b.WriteString(" (*)(...)")
		return b.String()
	}
	b.WriteString(strings.Repeat("*", t.Pointers))
	if t.Array {
		b.WriteString("[]")
	}
	return b.String()
}

// IsVoid reports whether t is plain void.
func (t Type) IsVoid() bool {
	return t.Base == "void" && t.Pointers == 0 && !t.Array && !t.FuncPtr
}

func (f *Func) String() string {
	params := make([]string, 0, len(f.Params)+1)
	for _, p := range f.Params {
		params = append(params, strings.TrimSpace(p.Type.String()+" "+p.Name))
	}
	if f.Variadic {
		params = append(params, "...")
	}
	if len(params) == 0 {
		params = append(params, "void")
	}
	return fmt.Sprintf("%s %s(%s)", f.Result, f.Name, strings.Join(params, ", "))
}

// Macro returns the macro called name.
func (h *Header) Macro(name string) (Macro, bool) {
	for _, m := range h.Macros {
		if m.Name == name {
			return m, true
		}
	}
	return Macro{}, false
}

// PGVersion returns the PostgreSQL version the header declares, or "" when
// it declares none.
func (h *Header) PGVersion() string {
	for _, name := range []string{"PG_VERSION", "PG_MAJORVERSION"} {
		m, ok := h.Macro(name)
		if !ok {
			continue
		}
		if v, err := strconv.Unquote(m.Value); err == nil {
			return v
		}
	}
	return ""
}

// FuncNames returns the names of the functions the binding can wrap.
func (h *Header) FuncNames() []string {
	names := make([]string, 0, len(h.Funcs))
	for _, f := range h.Funcs {
		if !f.Variadic {
			names = append(names, f.Name)
		}
	}
	return names
}
