package bindgen

import (
	"bytes"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"go/types"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goplus/pgqbuild/internal/announce"
	"github.com/qiniu/x/log"
	"golang.org/x/tools/imports"
)

// GeneratedHeader is the first line of every binding module.
const GeneratedHeader = "// Code generated by pgqbuild. DO NOT EDIT."

// Options control the generated module.
type Options struct {
	// Package is the Go package name. It defaults to "pgquery".
	Package string
	// IncludeDir is passed to cgo with -I. It defaults to the header's
	// directory.
	IncludeDir string
	// Linkage becomes the cgo LDFLAGS line when set.
	Linkage announce.Linkage
	// MinPGVersion makes Generate refuse headers declaring an older
	// PostgreSQL. Render ignores it.
	MinPGVersion string
}

var cTypes = map[string]string{
	"char":               "C.char",
	"signed char":        "C.schar",
	"unsigned char":      "C.uchar",
	"short":              "C.short",
	"unsigned short":     "C.ushort",
	"int":                "C.int",
	"unsigned int":       "C.uint",
	"long":               "C.long",
	"unsigned long":      "C.ulong",
	"long long":          "C.longlong",
	"unsigned long long": "C.ulonglong",
	"float":              "C.float",
	"double":             "C.double",
	"bool":               "C.bool",
	"_Bool":              "C.bool",
	"size_t":             "C.size_t",
	"ssize_t":            "C.ssize_t",
	"ptrdiff_t":          "C.ptrdiff_t",
	"intptr_t":           "C.intptr_t",
	"uintptr_t":          "C.uintptr_t",
	"int8_t":             "C.int8_t",
	"int16_t":            "C.int16_t",
	"int32_t":            "C.int32_t",
	"int64_t":            "C.int64_t",
	"uint8_t":            "C.uint8_t",
	"uint16_t":           "C.uint16_t",
	"uint32_t":           "C.uint32_t",
	"uint64_t":           "C.uint64_t",
}

var (
	intLit    = regexp.MustCompile(`^-?(0[xX][0-9a-fA-F]+|[0-9]+)[uUlL]*$`)
	floatLit  = regexp.MustCompile(`^-?([0-9]+\.[0-9]*|\.[0-9]+|[0-9]+[eE][-+]?[0-9]+)([eE][-+]?[0-9]+)?[fFlL]?$`)
	constExpr = regexp.MustCompile(`^[\w\s()+\-*/%<>|&^~!]+$`)
	identRe   = regexp.MustCompile(`\b[A-Za-z_]\w*`)
	castExpr  = regexp.MustCompile(`\(\s*(const\s+)?(void|char|int|long|short|unsigned|signed|float|double|struct|enum|union)\b`)
)

var cTypeWords = map[string]bool{
	"unsigned": true, "signed": true, "int": true, "long": true, "short": true,
	"char": true, "float": true, "double": true, "void": true, "struct": true,
	"union": true, "enum": true, "const": true, "volatile": true, "sizeof": true,
}

type renderer struct {
	h     *Header
	buf   bytes.Buffer
	names map[string]bool
	// aliases maps a C type spelling to the Go alias declared for it.
	aliases map[string]string
}

// Render emits the binding module for h.
func Render(h *Header, opts Options) ([]byte, error) {
	if opts.Package == "" {
		opts.Package = "pgquery"
	}
	if !token.IsIdentifier(opts.Package) {
		return nil, &GenerationError{Header: h.Path, Err: fmt.Errorf("invalid package name %q", opts.Package)}
	}
	r := &renderer{
		h:       h,
		names:   map[string]bool{"C": true, "unsafe": true, "_": true},
		aliases: map[string]string{},
	}
	body := r.body()

	var out bytes.Buffer
	fmt.Fprintf(&out, "%s\n\npackage %s\n\n", GeneratedHeader, opts.Package)
	out.WriteString("/*\n")
	inc := opts.IncludeDir
	if inc == "" && h.Path != "" {
		inc = filepath.Dir(h.Path)
	}
	if inc != "" {
		fmt.Fprintf(&out, "#cgo CFLAGS: %s\n", cgoQuote("-I"+inc))
	}
	if l := opts.Linkage; l.SearchDir != "" && l.Lib != "" {
		flags := l.LDFlags()
		for i, f := range flags {
			flags[i] = cgoQuote(f)
		}
		fmt.Fprintf(&out, "#cgo LDFLAGS: %s\n", strings.Join(flags, " "))
	}
	name := "pg_query.h"
	if h.Path != "" {
		name = filepath.Base(h.Path)
	}
	fmt.Fprintf(&out, "#include %q\n*/\nimport \"C\"\n\n", name)
	if bytes.Contains(body, []byte("unsafe.")) {
		out.WriteString("import \"unsafe\"\n\n")
	}
	out.Write(body)

	src, err := imports.Process(BindingsFile, out.Bytes(), &imports.Options{
		FormatOnly: true,
		Comments:   true,
		TabIndent:  true,
		TabWidth:   8,
	})
	if err != nil {
		return nil, &GenerationError{Header: h.Path, Err: fmt.Errorf("format: %w", err)}
	}
	if _, err := parser.ParseFile(token.NewFileSet(), BindingsFile, src, parser.AllErrors); err != nil {
		return nil, &GenerationError{Header: h.Path, Err: fmt.Errorf("invalid output: %w", err)}
	}
	return src, nil
}

func cgoQuote(s string) string {
	if strings.ContainsAny(s, " \t'\"") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

// claim reserves a package-level identifier, returning name unchanged when
// it is free.
func (r *renderer) claim(name, suffix string) string {
	name = goIdent(name)
	for r.names[name] {
		name += suffix
	}
	r.names[name] = true
	return name
}

// goIdent avoids Go keywords and predeclared names, which cgo's generated
// code in the same package relies on.
func goIdent(name string) string {
	if token.IsKeyword(name) || types.Universe.Lookup(name) != nil || name == "C" || name == "unsafe" {
		return name + "_"
	}
	return name
}

func (r *renderer) p(format string, args ...any) {
	fmt.Fprintf(&r.buf, format, args...)
}

func (r *renderer) body() []byte {
	r.types()
	r.macros()
	r.enumerators()
	r.layouts()
	r.funcs()
	return r.buf.Bytes()
}

func (r *renderer) types() {
	type alias struct{ name, c string }
	var list []alias
	add := func(spelling, name, c string) {
		if _, ok := r.aliases[spelling]; ok || name == "" {
			return
		}
		goName := r.claim(name, "_")
		r.aliases[spelling] = goName
		list = append(list, alias{goName, c})
	}
	for _, e := range r.h.Enums {
		if e.Typedef {
			add(e.Name, e.Name, "C."+e.Name)
		} else if e.Tag != "" {
			add("enum "+e.Tag, e.Tag, "C.enum_"+e.Tag)
		}
	}
	for _, s := range r.h.Structs {
		if s.Typedef {
			add(s.Name, s.Name, "C."+s.Name)
		} else {
			add("struct "+s.Tag, s.Tag, "C.struct_"+s.Tag)
		}
	}
	for _, t := range r.h.Typedefs {
		add(t.Name, t.Name, "C."+t.Name)
	}
	if len(list) == 0 {
		return
	}
	r.p("type (\n")
	for _, a := range list {
		r.p("\t%s = %s\n", a.name, a.c)
	}
	r.p(")\n\n")
}

func (r *renderer) macros() {
	var lines []string
	for _, m := range r.h.Macros {
		if v, ok := literal(m.Value); ok {
			lines = append(lines, fmt.Sprintf("\t%s = %s\n", r.claim(m.Name, "_"), v))
			continue
		}
		if r.isConstExpr(m.Value) {
			lines = append(lines, fmt.Sprintf("\t%s = C.%s\n", r.claim(m.Name, "_"), m.Name))
			continue
		}
		log.Debugf("bindgen: macro %s is not a constant: %s", m.Name, m.Value)
	}
	if len(lines) == 0 {
		return
	}
	r.p("// Macros.\nconst (\n")
	for _, l := range lines {
		r.p("%s", l)
	}
	r.p(")\n\n")
}

// isConstExpr reports whether v looks like an integer constant expression
// over literals and names cgo resolves to constants. Type spellings such as
// "unsigned int" are rejected.
func (r *renderer) isConstExpr(v string) bool {
	return r.constExpr(v, 0)
}

func (r *renderer) constExpr(v string, depth int) bool {
	if depth > 8 || !constExpr.MatchString(v) || castExpr.MatchString(v) {
		return false
	}
	for _, id := range identRe.FindAllString(v, -1) {
		if cTypeWords[id] || !r.isConstName(id, depth) {
			return false
		}
	}
	return true
}

// isConstName reports whether name is an enumerator or a macro that is
// itself a constant.
func (r *renderer) isConstName(name string, depth int) bool {
	for _, m := range r.h.Macros {
		if m.Name == name {
			if _, ok := literal(m.Value); ok {
				return true
			}
			return r.constExpr(m.Value, depth+1)
		}
	}
	for _, e := range r.h.Enums {
		for _, en := range e.Enumerators {
			if en.Name == name {
				return true
			}
		}
	}
	return false
}

// literal returns v as a Go literal when it is a plain C literal.
func literal(v string) (string, bool) {
	v = strings.TrimSpace(v)
	for len(v) > 2 && v[0] == '(' && v[len(v)-1] == ')' && balanced(v[1:len(v)-1]) {
		v = strings.TrimSpace(v[1 : len(v)-1])
	}
	switch {
	case intLit.MatchString(v):
		return strings.TrimRight(v, "uUlL"), true
	case floatLit.MatchString(v):
		return strings.TrimRight(v, "fFlL"), true
	case strings.HasPrefix(v, `"`) || strings.HasPrefix(v, "'"):
		if _, err := strconv.Unquote(v); err == nil {
			return v, true
		}
	}
	return "", false
}

func balanced(s string) bool {
	depth := 0
	for _, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func (r *renderer) enumerators() {
	for _, e := range r.h.Enums {
		if len(e.Enumerators) == 0 {
			continue
		}
		switch {
		case e.Name != "":
			r.p("// Values of %s.\n", e.Name)
		default:
			r.p("// Anonymous enum.\n")
		}
		r.p("const (\n")
		for _, en := range e.Enumerators {
			r.p("\t%s = C.%s\n", r.claim(en.Name, "_"), en.Name)
		}
		r.p(")\n\n")
	}
}

// layouts emits the size of every struct and the offset of each field.
func (r *renderer) layouts() {
	if len(r.h.Structs) == 0 {
		return
	}
	r.p("// Struct layouts.\nconst (\n")
	for _, s := range r.h.Structs {
		cName := "C.struct_" + s.Tag
		if s.Typedef {
			cName = "C." + s.Name
		}
		goName := camel(s.Name)
		r.p("\t%s = unsafe.Sizeof(%s{})\n", r.claim("Sizeof"+goName, "_"), cName)
		for _, f := range s.Fields {
			if f.Bitfield {
				continue
			}
			field := f.Name
			if token.IsKeyword(field) {
				field = "_" + field
			}
			r.p("\t%s = unsafe.Offsetof(%s{}.%s)\n", r.claim("Offsetof"+goName+camel(f.Name), "_"), cName, field)
		}
	}
	r.p(")\n\n")
}

func (r *renderer) funcs() {
	for i := range r.h.Funcs {
		f := &r.h.Funcs[i]
		if f.Variadic {
			r.p("// %s is variadic and has no wrapper.\n\n", f.Name)
			continue
		}
		if err := r.fn(f); err != nil {
			log.Warnf("bindgen: skip %s: %v", f.Name, err)
			r.p("// %s has no wrapper: %v.\n\n", f.Name, err)
		}
	}
}

var errUnsupported = errors.New("unsupported type")

// conv is a mapped C type together with the expressions converting a Go value
// to C and back.
type conv struct {
	goType string
	toC    string
	fromC  string
}

func (c conv) wrapToC(expr string) string {
	if c.toC == "" {
		return expr
	}
	return c.toC + "(" + expr + ")"
}

func (c conv) wrapFromC(expr string) string {
	if c.fromC == "" {
		return expr
	}
	return c.fromC + "(" + expr + ")"
}

func (r *renderer) goType(t Type) (conv, error) {
	if t.FuncPtr && t.Pointers <= 1 {
		return conv{goType: "unsafe.Pointer", toC: "(*[0]byte)", fromC: "unsafe.Pointer"}, nil
	}
	ptrs := t.Pointers
	if t.Array {
		ptrs++
	}
	if t.Base == "void" {
		if ptrs == 0 {
			return conv{}, nil
		}
		return conv{goType: strings.Repeat("*", ptrs-1) + "unsafe.Pointer"}, nil
	}
	var base string
	switch {
	case r.aliases[t.Base] != "":
		base = r.aliases[t.Base]
	case cTypes[t.Base] != "":
		base = cTypes[t.Base]
	case strings.HasPrefix(t.Base, "struct "), strings.HasPrefix(t.Base, "union "), strings.HasPrefix(t.Base, "enum "):
		kw, name, _ := strings.Cut(t.Base, " ")
		base = "C." + kw + "_" + name
	case token.IsIdentifier(t.Base):
		base = "C." + t.Base
	default:
		return conv{}, fmt.Errorf("%w %q", errUnsupported, t.Base)
	}
	return conv{goType: strings.Repeat("*", ptrs) + base}, nil
}

func (r *renderer) fn(f *Func) error {
	res, err := r.goType(f.Result)
	if err != nil {
		return err
	}
	params := make([]string, len(f.Params))
	args := make([]string, len(f.Params))
	seen := map[string]bool{}
	for i, p := range f.Params {
		c, err := r.goType(p.Type)
		if err != nil {
			return err
		}
		name := goIdent(p.Name)
		if name == "" || seen[name] {
			name = fmt.Sprintf("p%d", i)
		}
		seen[name] = true
		params[i] = name + " " + c.goType
		args[i] = c.wrapToC(name)
	}

	goName := camel(f.Name)
	if r.names[goName] {
		goName += "Func"
	}
	goName = r.claim(goName, "_")

	call := fmt.Sprintf("C.%s(%s)", f.Name, strings.Join(args, ", "))
	r.p("// %s wraps %s.\n", goName, f)
	if res.goType == "" {
		r.p("func %s(%s) {\n\t%s\n}\n\n", goName, strings.Join(params, ", "), call)
		return nil
	}
	r.p("func %s(%s) %s {\n\treturn %s\n}\n\n", goName, strings.Join(params, ", "), res.goType, res.wrapFromC(call))
	return nil
}

// camel turns pg_query_parse into PgQueryParse.
func camel(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	s := b.String()
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		s = "X" + s
	}
	return s
}
