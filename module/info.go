package module

import (
	"fmt"
	"strings"

	"fortio.org/safecast"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/wasm"
)

// Value types wazero's api package does not name.
const (
	ValueTypeV128    api.ValueType = 0x7b
	ValueTypeFuncref api.ValueType = 0x70
	ValueTypeExnref  api.ValueType = 0x69
)

// Signature is a function type in wazero's value type vocabulary.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

func (s Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	writeTypes(&b, s.Params)
	b.WriteString(") -> (")
	writeTypes(&b, s.Results)
	b.WriteByte(')')
	return b.String()
}

// UsesVectors reports whether the signature passes v128 values.
func (s Signature) UsesVectors() bool {
	for _, t := range s.Params {
		if t == ValueTypeV128 {
			return true
		}
	}
	for _, t := range s.Results {
		if t == ValueTypeV128 {
			return true
		}
	}
	return false
}

func writeTypes(b *strings.Builder, types []api.ValueType) {
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(valueTypeName(t))
	}
}

func valueTypeName(t api.ValueType) string {
	switch t {
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExnref:
		return "exnref"
	}
	return api.ValueTypeName(t)
}

// Import is an imported function.
type Import struct {
	Module    string
	Name      string
	Signature Signature
}

// Function is a defined function.
type Function struct {
	Signature Signature
	Body      []byte // expression bytes, ending with the end opcode
	NumLocals uint64
	Index     CodeIndex
	TypeIndex uint32
	UsesSIMD  bool
}

// Info is the module metadata shared by every tier. It is immutable once built.
type Info struct {
	names      map[SpaceIndex]string
	exports    map[string]SpaceIndex
	ModuleName string
	imports    []Import
	functions  []Function
	space      IndexSpace
}

// NewInfo builds module metadata directly. Function indices are assigned
// in order.
func NewInfo(name string, imports []Import, functions []Function) (*Info, error) {
	ni, err := safecast.Conv[uint32](len(imports))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "too many imports")
	}
	nf, err := safecast.Conv[uint32](len(functions))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "too many functions")
	}
	if uint64(ni)+uint64(nf) > uint64(^uint32(0)) {
		return nil, errors.InvalidData(errors.PhaseLoad, "function index space overflows")
	}

	info := &Info{
		ModuleName: name,
		imports:    imports,
		functions:  functions,
		space:      NewIndexSpace(ni, nf),
		names:      make(map[SpaceIndex]string),
		exports:    make(map[string]SpaceIndex),
	}
	for i := range info.functions {
		info.functions[i].Index = CodeIndex(i)
	}
	return info, nil
}

// FromWasm builds module metadata from a decoded binary.
func FromWasm(m *wasm.Module) (*Info, error) {
	imports := make([]Import, 0, m.NumImportedFuncs())
	for _, imp := range m.Imports {
		if imp.Kind != wasm.KindFunc {
			continue
		}
		if int(imp.TypeIdx) >= len(m.Types) {
			return nil, errors.InvalidData(errors.PhaseLoad,
				fmt.Sprintf("import %s.%s: type index %d out of range", imp.Module, imp.Name, imp.TypeIdx))
		}
		imports = append(imports, Import{
			Module:    imp.Module,
			Name:      imp.Name,
			Signature: convertSignature(m.Types[imp.TypeIdx]),
		})
	}

	functions := make([]Function, len(m.Funcs))
	for i, typeIdx := range m.Funcs {
		if int(typeIdx) >= len(m.Types) {
			return nil, errors.InvalidData(errors.PhaseLoad,
				fmt.Sprintf("function %d: type index %d out of range", i, typeIdx))
		}
		body := m.Code[i]
		sig := convertSignature(m.Types[typeIdx])
		f := Function{
			Signature: sig,
			Body:      body.Code,
			NumLocals: body.NumLocals(),
			TypeIndex: typeIdx,
			UsesSIMD:  sig.UsesVectors(),
		}
		for _, l := range body.Locals {
			if l.Type == wasm.ValV128 {
				f.UsesSIMD = true
			}
		}
		// Bodies that fail to scan are reported by the code generator.
		if scan, err := wasm.ScanBody(body.Code); err == nil && scan.UsesSIMD {
			f.UsesSIMD = true
		}
		functions[i] = f
	}

	info, err := NewInfo(m.ModuleName, imports, functions)
	if err != nil {
		return nil, err
	}
	for idx, name := range m.Names {
		info.names[SpaceIndex(idx)] = name
	}
	for _, exp := range m.Exports {
		if exp.Kind == wasm.KindFunc {
			info.exports[exp.Name] = SpaceIndex(exp.Idx)
		}
	}
	return info, nil
}

func convertSignature(ft wasm.FuncType) Signature {
	sig := Signature{
		Params:  make([]api.ValueType, len(ft.Params)),
		Results: make([]api.ValueType, len(ft.Results)),
	}
	for i, p := range ft.Params {
		sig.Params[i] = api.ValueType(p)
	}
	for i, r := range ft.Results {
		sig.Results[i] = api.ValueType(r)
	}
	return sig
}

// Space returns the function index space.
func (m *Info) Space() IndexSpace { return m.space }

// ImportCount returns the number of imported functions.
func (m *Info) ImportCount() uint32 { return m.space.imports }

// FunctionCount returns the number of defined functions.
func (m *Info) FunctionCount() uint32 { return m.space.defined }

// Function returns a defined function. It panics on an invalid index.
func (m *Info) Function(c CodeIndex) *Function {
	if uint32(c) >= m.space.defined {
		panic(fmt.Sprintf("module: code index %d out of range (%d defined)", c, m.space.defined))
	}
	return &m.functions[c]
}

// Import returns an imported function. It panics if s is not an import.
func (m *Info) Import(s SpaceIndex) *Import {
	if !m.space.IsImport(s) {
		panic(fmt.Sprintf("module: space index %d is not an import", s))
	}
	return &m.imports[s]
}

// Signature returns the signature of any function in the index space.
func (m *Info) Signature(s SpaceIndex) Signature {
	if m.space.IsImport(s) {
		return m.imports[s].Signature
	}
	return m.Function(m.space.ToCodeIndex(s)).Signature
}

// UsesSIMD reports whether a defined function touches vector state.
func (m *Info) UsesSIMD(c CodeIndex) bool {
	return m.Function(c).UsesSIMD
}

// SetName records a display name for a function.
func (m *Info) SetName(s SpaceIndex, name string) {
	m.names[s] = name
}

// Name returns a display name: the name section entry, then an export
// name, then the import name, then a synthetic name.
func (m *Info) Name(s SpaceIndex) string {
	if name, ok := m.names[s]; ok {
		return name
	}
	for name, idx := range m.exports {
		if idx == s {
			return name
		}
	}
	if m.space.IsImport(s) {
		imp := m.imports[s]
		return imp.Module + "." + imp.Name
	}
	return fmt.Sprintf("wasm-function[%d]", uint32(s))
}

// Export returns the function exported under name.
func (m *Info) Export(name string) (SpaceIndex, bool) {
	s, ok := m.exports[name]
	return s, ok
}
