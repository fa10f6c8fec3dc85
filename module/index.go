package module

import (
	"fmt"
)

// CodeIndex is the module-local ordinal of a defined function.
type CodeIndex uint32

// SpaceIndex is the whole-program function ordinal. Imported functions
// occupy the low end of the space.
type SpaceIndex uint32

func (c CodeIndex) String() string  { return fmt.Sprintf("code#%d", uint32(c)) }
func (s SpaceIndex) String() string { return fmt.Sprintf("func#%d", uint32(s)) }

// IndexSpace converts between code and space indices for one module.
type IndexSpace struct {
	imports uint32
	defined uint32
}

// NewIndexSpace creates an index space with the given import and
// defined-function counts.
func NewIndexSpace(imports, defined uint32) IndexSpace {
	return IndexSpace{imports: imports, defined: defined}
}

// ImportCount returns the number of imported functions.
func (s IndexSpace) ImportCount() uint32 { return s.imports }

// DefinedCount returns the number of defined functions.
func (s IndexSpace) DefinedCount() uint32 { return s.defined }

// Total returns the size of the function index space.
func (s IndexSpace) Total() uint32 { return s.imports + s.defined }

// ToSpaceIndex converts a code index. It panics if c is not a defined function.
func (s IndexSpace) ToSpaceIndex(c CodeIndex) SpaceIndex {
	if uint32(c) >= s.defined {
		panic(fmt.Sprintf("module: code index %d out of range (%d defined)", c, s.defined))
	}
	return SpaceIndex(uint32(c) + s.imports)
}

// ToCodeIndex converts a space index. It panics if i names an import or is
// out of range.
func (s IndexSpace) ToCodeIndex(i SpaceIndex) CodeIndex {
	if uint32(i) < s.imports {
		panic(fmt.Sprintf("module: space index %d names an import (%d imports)", i, s.imports))
	}
	if uint32(i) >= s.Total() {
		panic(fmt.Sprintf("module: space index %d out of range (%d functions)", i, s.Total()))
	}
	return CodeIndex(uint32(i) - s.imports)
}

// IsImport reports whether i names an imported function.
func (s IndexSpace) IsImport(i SpaceIndex) bool {
	return uint32(i) < s.imports
}

// IsValid reports whether i is inside the index space.
func (s IndexSpace) IsValid(i SpaceIndex) bool {
	return uint32(i) < s.Total()
}
