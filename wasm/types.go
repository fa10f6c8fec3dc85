package wasm

import "fmt"

// Module is the decoded subset of a WebAssembly module.
type Module struct {
	Names      map[uint32]string // function space index -> name section entry
	ModuleName string
	Types      []FuncType
	Imports    []Import
	Funcs      []uint32 // type index of each defined function
	Exports    []Export
	Code       []FuncBody
	Customs    []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (f FuncType) String() string {
	return fmt.Sprintf("%v -> %v", f.Params, f.Results)
}

// ValType is an encoded value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExternRef:
		return "externref"
	case ValExnRef:
		return "exnref"
	default:
		return fmt.Sprintf("valtype(0x%02x)", byte(v))
	}
}

// Import is one import entry. Desc holds the raw descriptor for non-function
// imports so they can be written back unchanged.
type Import struct {
	Module  string
	Name    string
	Desc    []byte
	TypeIdx uint32
	Kind    byte
}

// Export is one export entry.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// FuncBody is a defined function body.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // expression bytes, including the final end opcode
}

// LocalEntry is a run of locals sharing a type.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// NumLocals returns the number of declared locals, excluding parameters.
func (b *FuncBody) NumLocals() uint64 {
	var n uint64
	for _, l := range b.Locals {
		n += uint64(l.Count)
	}
	return n
}

// CustomSection is an uninterpreted custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of function imports.
func (m *Module) NumImportedFuncs() int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Kind == KindFunc {
			n++
		}
	}
	return n
}

// FuncTypeIndex returns the type index for a function space index.
func (m *Module) FuncTypeIndex(funcIdx uint32) (uint32, bool) {
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if funcIdx == 0 {
			return imp.TypeIdx, true
		}
		funcIdx--
	}
	if int(funcIdx) < len(m.Funcs) {
		return m.Funcs[funcIdx], true
	}
	return 0, false
}

// GetFuncType returns the signature for a function space index, or nil.
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	typeIdx, ok := m.FuncTypeIndex(funcIdx)
	if !ok || int(typeIdx) >= len(m.Types) {
		return nil
	}
	return &m.Types[typeIdx]
}

// ExportedFunctionName returns the first export name of a function space index.
func (m *Module) ExportedFunctionName(funcIdx uint32) (string, bool) {
	for _, exp := range m.Exports {
		if exp.Kind == KindFunc && exp.Idx == funcIdx {
			return exp.Name, true
		}
	}
	return "", false
}
