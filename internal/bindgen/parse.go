package bindgen

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/qiniu/x/log"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	ts_c "github.com/tree-sitter/tree-sitter-c/bindings/go"
)

// ParseHeader reads and parses the C header at path.
func ParseHeader(path string) (*Header, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &GenerationError{Header: path, Err: err}
	}
	if fi.IsDir() {
		return nil, &GenerationError{Header: path, Err: errors.New("is a directory")}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &GenerationError{Header: path, Err: err}
	}
	h, err := Parse(src)
	if err != nil {
		return nil, &GenerationError{Header: path, Err: err}
	}
	h.Path = path
	return h, nil
}

// Parse parses header source.
func Parse(src []byte) (*Header, error) {
	src = maskCPlusPlus(src)

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(tree_sitter.NewLanguage(ts_c.Language())); err != nil {
		return nil, err
	}
	tree := parser.Parse(src, nil)
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		if n := firstError(root); n != nil {
			pos := n.StartPosition()
			return nil, fmt.Errorf("syntax error at %d:%d near %q", pos.Row+1, pos.Column+1, snippet(n, src))
		}
		return nil, errors.New("syntax error")
	}

	p := &headerParser{src: src, h: &Header{}}
	p.walk(root)
	return p.h, nil
}

var (
	cplusplusStart = regexp.MustCompile(`^\s*#\s*(ifdef\s+__cplusplus\b|if\s+defined\s*\(?\s*__cplusplus\b)`)
	condStart      = regexp.MustCompile(`^\s*#\s*if`)
	condEnd        = regexp.MustCompile(`^\s*#\s*endif\b`)
)

// maskCPlusPlus blanks out #ifdef __cplusplus blocks. Newlines are kept so
// positions in errors still match the file.
func maskCPlusPlus(src []byte) []byte {
	lines := bytes.SplitAfter(src, []byte("\n"))
	out := make([]byte, 0, len(src))
	depth := 0
	for _, line := range lines {
		switch {
		case depth == 0 && cplusplusStart.Match(line):
			depth = 1
		case depth > 0 && condStart.Match(line):
			depth++
		case depth > 0 && condEnd.Match(line):
			depth--
			out = append(out, blank(line)...)
			continue
		}
		if depth > 0 {
			out = append(out, blank(line)...)
			continue
		}
		out = append(out, line...)
	}
	return out
}

func blank(line []byte) []byte {
	b := bytes.Clone(line)
	for i, c := range b {
		if c != '\n' && c != '\r' {
			b[i] = ' '
		}
	}
	return b
}

func firstError(n *tree_sitter.Node) *tree_sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c != nil && c.HasError() {
			if e := firstError(c); e != nil {
				return e
			}
		}
	}
	return nil
}

func snippet(n *tree_sitter.Node, src []byte) string {
	s := text(n, src)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

type headerParser struct {
	src []byte
	h   *Header
}

func text(n *tree_sitter.Node, src []byte) string {
	return string(src[n.StartByte():n.EndByte()])
}

func (p *headerParser) text(n *tree_sitter.Node) string {
	return text(n, p.src)
}

func (p *headerParser) walk(n *tree_sitter.Node) {
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		switch c.Kind() {
		case "preproc_def":
			p.macro(c)
		case "preproc_ifdef", "preproc_if", "preproc_else", "preproc_elif", "preproc_elifdef",
			"linkage_specification", "declaration_list":
			p.walk(c)
		case "type_definition":
			p.typedef(c)
		case "declaration":
			p.declaration(c)
		case "struct_specifier":
			if c.ChildByFieldName("body") != nil {
				if s := p.structSpec(c); s.Tag != "" {
					p.h.Structs = append(p.h.Structs, s)
				}
			}
		case "enum_specifier":
			if c.ChildByFieldName("body") != nil {
				p.h.Enums = append(p.h.Enums, p.enumSpec(c))
			}
		case "preproc_function_def", "preproc_include", "comment", "preproc_call":
		default:
			log.Debugf("bindgen: skip %s at line %d", c.Kind(), c.StartPosition().Row+1)
		}
	}
}

func (p *headerParser) macro(n *tree_sitter.Node) {
	name := n.ChildByFieldName("name")
	value := n.ChildByFieldName("value")
	if name == nil || value == nil {
		return
	}
	v := strings.TrimSpace(stripComments(p.text(value)))
	if v == "" {
		return
	}
	p.h.Macros = append(p.h.Macros, Macro{Name: p.text(name), Value: v})
}

func (p *headerParser) typedef(n *tree_sitter.Node) {
	typ := n.ChildByFieldName("type")
	if typ == nil {
		return
	}
	decls := p.declarators(n, typ)

	// The first plain declarator names a struct or enum body.
	primary := ""
	for _, d := range decls {
		if d.Kind() == "type_identifier" {
			primary = p.text(d)
			break
		}
	}
	hasBody := typ.ChildByFieldName("body") != nil
	named := false
	if hasBody && primary != "" {
		switch typ.Kind() {
		case "struct_specifier":
			s := p.structSpec(typ)
			s.Name, s.Typedef = primary, true
			p.h.Structs = append(p.h.Structs, s)
			named = true
		case "enum_specifier":
			e := p.enumSpec(typ)
			e.Name, e.Typedef = primary, true
			p.h.Enums = append(p.h.Enums, e)
			named = true
		}
	}

	base := p.baseType(typ)
	base.Const = hasQualifier(n, p.src, "const")
	if hasBody && primary != "" {
		base = Type{Base: primary}
	}
	for _, d := range decls {
		name, t := p.declare(d, base)
		if name == "" || named && name == primary {
			continue
		}
		p.h.Typedefs = append(p.h.Typedefs, Typedef{Name: name, Type: t})
	}
}

func (p *headerParser) declaration(n *tree_sitter.Node) {
	typ := n.ChildByFieldName("type")
	if typ == nil {
		return
	}
	if typ.Kind() == "struct_specifier" && typ.ChildByFieldName("body") != nil {
		if s := p.structSpec(typ); s.Tag != "" {
			p.h.Structs = append(p.h.Structs, s)
		}
	}
	base := p.baseType(typ)
	base.Const = hasQualifier(n, p.src, "const")
	for _, d := range p.declarators(n, typ) {
		pointers := 0
		for d != nil && d.Kind() == "pointer_declarator" {
			pointers++
			d = d.ChildByFieldName("declarator")
		}
		if d == nil || d.Kind() != "function_declarator" {
			continue
		}
		ident := d.ChildByFieldName("declarator")
		if ident == nil || ident.Kind() != "identifier" {
			continue
		}
		f := Func{Name: p.text(ident), Result: base}
		f.Result.Pointers += pointers
		if params := d.ChildByFieldName("parameters"); params != nil {
			f.Params, f.Variadic = p.params(params)
		}
		p.h.Funcs = append(p.h.Funcs, f)
	}
}

func (p *headerParser) params(list *tree_sitter.Node) ([]Param, bool) {
	var params []Param
	variadic := false
	for i := uint(0); i < list.ChildCount(); i++ {
		c := list.Child(i)
		if c == nil {
			continue
		}
		switch c.Kind() {
		case "...", "variadic_parameter":
			variadic = true
		case "parameter_declaration", "optional_parameter_declaration":
			typ := c.ChildByFieldName("type")
			if typ == nil {
				continue
			}
			base := p.baseType(typ)
			base.Const = hasQualifier(c, p.src, "const")
			name, t := "", base
			if d := c.ChildByFieldName("declarator"); d != nil {
				name, t = p.declare(d, base)
			}
			params = append(params, Param{Name: name, Type: t})
		}
	}
	if len(params) == 1 && params[0].Name == "" && params[0].Type.IsVoid() {
		params = nil
	}
	return params, variadic
}

func (p *headerParser) structSpec(n *tree_sitter.Node) Struct {
	s := Struct{}
	if name := n.ChildByFieldName("name"); name != nil {
		s.Tag = p.text(name)
		s.Name = s.Tag
	}
	body := n.ChildByFieldName("body")
	if body == nil {
		return s
	}
	for i := uint(0); i < body.NamedChildCount(); i++ {
		fd := body.NamedChild(i)
		if fd == nil || fd.Kind() != "field_declaration" {
			continue
		}
		typ := fd.ChildByFieldName("type")
		if typ == nil {
			continue
		}
		base := p.baseType(typ)
		base.Const = hasQualifier(fd, p.src, "const")
		bitfield := hasChild(fd, "bitfield_clause")
		for _, d := range p.declarators(fd, typ) {
			name, t := p.declare(d, base)
			if name != "" {
				s.Fields = append(s.Fields, Field{Name: name, Type: t, Bitfield: bitfield})
			}
		}
	}
	return s
}

func (p *headerParser) enumSpec(n *tree_sitter.Node) Enum {
	e := Enum{}
	if name := n.ChildByFieldName("name"); name != nil {
		e.Tag = p.text(name)
		e.Name = e.Tag
	}
	body := n.ChildByFieldName("body")
	if body == nil {
		return e
	}
	for i := uint(0); i < body.NamedChildCount(); i++ {
		en := body.NamedChild(i)
		if en == nil || en.Kind() != "enumerator" {
			continue
		}
		name := en.ChildByFieldName("name")
		if name == nil {
			continue
		}
		var value string
		if v := en.ChildByFieldName("value"); v != nil {
			value = p.text(v)
		}
		e.Enumerators = append(e.Enumerators, Enumerator{Name: p.text(name), Value: value})
	}
	return e
}

var declaratorKinds = map[string]bool{
	"identifier":               true,
	"field_identifier":         true,
	"type_identifier":          true,
	"pointer_declarator":       true,
	"function_declarator":      true,
	"array_declarator":         true,
	"parenthesized_declarator": true,
	"init_declarator":          true,
}

// declarators returns the declarator children of n that follow its type.
func (p *headerParser) declarators(n, typ *tree_sitter.Node) []*tree_sitter.Node {
	var out []*tree_sitter.Node
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil || c.StartByte() < typ.EndByte() {
			continue
		}
		if declaratorKinds[c.Kind()] {
			out = append(out, c)
		}
	}
	return out
}

// declare unwraps a declarator applied to base and returns the declared name
// and its full type.
func (p *headerParser) declare(d *tree_sitter.Node, base Type) (string, Type) {
	t := base
	name := ""
	for d != nil && name == "" {
		switch d.Kind() {
		case "identifier", "field_identifier", "type_identifier":
			name = p.text(d)
		case "pointer_declarator", "abstract_pointer_declarator":
			t.Pointers++
			d = d.ChildByFieldName("declarator")
		case "array_declarator", "abstract_array_declarator":
			t.Array = true
			d = d.ChildByFieldName("declarator")
		case "function_declarator", "abstract_function_declarator":
			t.FuncPtr = true
			d = d.ChildByFieldName("declarator")
		case "init_declarator":
			d = d.ChildByFieldName("declarator")
		case "parenthesized_declarator", "abstract_parenthesized_declarator":
			d = d.NamedChild(0)
		default:
			d = nil
		}
	}
	return name, t
}

var sizedNames = map[string]string{
	"unsigned":               "unsigned int",
	"signed":                 "int",
	"signed int":             "int",
	"short int":              "short",
	"signed short":           "short",
	"unsigned short int":     "unsigned short",
	"long int":               "long",
	"signed long":            "long",
	"unsigned long int":      "unsigned long",
	"long long int":          "long long",
	"signed long long":       "long long",
	"unsigned long long int": "unsigned long long",
}

func (p *headerParser) baseType(typ *tree_sitter.Node) Type {
	switch typ.Kind() {
	case "struct_specifier", "union_specifier", "enum_specifier":
		kw := strings.TrimSuffix(typ.Kind(), "_specifier")
		if name := typ.ChildByFieldName("name"); name != nil {
			return Type{Base: kw + " " + p.text(name)}
		}
		return Type{Base: kw}
	case "sized_type_specifier":
		s := strings.Join(strings.Fields(p.text(typ)), " ")
		if n, ok := sizedNames[s]; ok {
			s = n
		}
		return Type{Base: s}
	}
	return Type{Base: strings.Join(strings.Fields(p.text(typ)), " ")}
}

func hasQualifier(n *tree_sitter.Node, src []byte, q string) bool {
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c != nil && c.Kind() == "type_qualifier" && text(c, src) == q {
			return true
		}
	}
	return false
}

func hasChild(n *tree_sitter.Node, kind string) bool {
	for i := uint(0); i < n.NamedChildCount(); i++ {
		if c := n.NamedChild(i); c != nil && c.Kind() == kind {
			return true
		}
	}
	return false
}

// stripComments removes C comments outside string and char literals.
func stripComments(s string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
		case strings.HasPrefix(s[i:], "//"):
			return b.String()
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			b.WriteByte(' ')
			i += end + 3
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
