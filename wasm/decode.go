package wasm

import (
	"errors"
	"fmt"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// ParseModule parses a WebAssembly binary module
func ParseModule(data []byte) (*Module, error) {
	r := newReader(data)

	magic, err := r.readU32LE()
	if err != nil {
		return nil, r.wrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := r.readU32LE()
	if err != nil {
		return nil, r.wrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int

	for r.len() > 0 {
		sectionID, err := r.readByte()
		if err != nil {
			return nil, r.wrapError("section header", err)
		}

		// Custom sections can appear anywhere
		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order == 0 {
				return nil, fmt.Errorf("unknown section ID: 0x%02x", sectionID)
			}
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		size, err := r.readU32()
		if err != nil {
			return nil, r.wrapError("section size", err)
		}
		body, err := r.readBytes(size)
		if err != nil {
			return nil, r.wrapError("section data", err)
		}

		sr := newReader(body)
		switch sectionID {
		case SectionCustom:
			err = parseCustomSection(sr, m)
		case SectionType:
			err = parseTypeSection(sr, m)
		case SectionImport:
			err = parseImportSection(sr, m)
		case SectionFunction:
			err = parseFunctionSection(sr, m)
		case SectionExport:
			err = parseExportSection(sr, m)
		case SectionCode:
			err = parseCodeSection(sr, m)
		default:
			// Tables, memories, globals, tags, elements and data do not
			// affect function tiering.
			continue
		}
		if err != nil {
			return nil, sr.wrapError(sectionName(sectionID), err)
		}
		if sr.len() != 0 {
			return nil, sr.wrapError(sectionName(sectionID), errors.New("section size mismatch"))
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function and code section have inconsistent lengths: %d != %d", len(m.Funcs), len(m.Code))
	}
	for i, typeIdx := range m.Funcs {
		if int(typeIdx) >= len(m.Types) {
			return nil, fmt.Errorf("function %d: type index %d out of range", i, typeIdx)
		}
	}

	return m, nil
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom section"
	case SectionType:
		return "type section"
	case SectionImport:
		return "import section"
	case SectionFunction:
		return "function section"
	case SectionExport:
		return "export section"
	case SectionCode:
		return "code section"
	default:
		return fmt.Sprintf("section %d", id)
	}
}

func parseTypeSection(r *reader, m *Module) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		form, err := r.readByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("type %d: unsupported type form 0x%02x", i, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *reader) ([]ValType, error) {
	count, err := r.readU32()
	if err != nil {
		return nil, err
	}
	types := make([]ValType, 0, min(count, 64))
	for i := uint32(0); i < count; i++ {
		vt, err := readValType(r)
		if err != nil {
			return nil, err
		}
		types = append(types, vt)
	}
	return types, nil
}

// readValType reads a value type. Typed references are collapsed to their
// nullable abstract form.
func readValType(r *reader) (ValType, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case byte(ValI32), byte(ValI64), byte(ValF32), byte(ValF64), byte(ValV128),
		byte(ValFuncRef), byte(ValExternRef), byte(ValExnRef):
		return ValType(b), nil
	case refNullable, refNonNullable:
		if _, err := r.readS64(); err != nil {
			return 0, err
		}
		return ValFuncRef, nil
	default:
		return 0, fmt.Errorf("invalid value type 0x%02x", b)
	}
}

func parseImportSection(r *reader, m *Module) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = r.readName(); err != nil {
			return err
		}
		if imp.Name, err = r.readName(); err != nil {
			return err
		}
		if imp.Kind, err = r.readByte(); err != nil {
			return err
		}
		start := r.pos
		switch imp.Kind {
		case KindFunc:
			if imp.TypeIdx, err = r.readU32(); err != nil {
				return err
			}
		case KindTable:
			if _, err = readValType(r); err != nil {
				return err
			}
			err = skipLimits(r)
		case KindMemory:
			err = skipLimits(r)
		case KindGlobal:
			if _, err = readValType(r); err != nil {
				return err
			}
			_, err = r.readByte()
		case KindTag:
			if _, err = r.readByte(); err != nil {
				return err
			}
			imp.TypeIdx, err = r.readU32()
		default:
			return fmt.Errorf("import %d: unknown kind 0x%02x", i, imp.Kind)
		}
		if err != nil {
			return err
		}
		if imp.Kind != KindFunc {
			imp.Desc = r.data[start:r.pos]
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func skipLimits(r *reader) error {
	flags, err := r.readByte()
	if err != nil {
		return err
	}
	if _, err := r.readU64(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.readU64(); err != nil {
			return err
		}
	}
	if flags&0x08 != 0 {
		if _, err := r.readU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseFunctionSection(r *reader, m *Module) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, 0, min(count, 4096))
	for i := uint32(0); i < count; i++ {
		idx, err := r.readU32()
		if err != nil {
			return err
		}
		m.Funcs = append(m.Funcs, idx)
	}
	return nil
}

func parseExportSection(r *reader, m *Module) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var exp Export
		if exp.Name, err = r.readName(); err != nil {
			return err
		}
		if exp.Kind, err = r.readByte(); err != nil {
			return err
		}
		if exp.Idx, err = r.readU32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, exp)
	}
	return nil
}

func parseCodeSection(r *reader, m *Module) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, min(count, 4096))
	for i := uint32(0); i < count; i++ {
		size, err := r.readU32()
		if err != nil {
			return err
		}
		raw, err := r.readBytes(size)
		if err != nil {
			return err
		}
		body, err := parseFuncBody(raw)
		if err != nil {
			return fmt.Errorf("function body %d: %w", i, err)
		}
		m.Code = append(m.Code, body)
	}
	return nil
}

func parseFuncBody(raw []byte) (FuncBody, error) {
	r := newReader(raw)
	groups, err := r.readU32()
	if err != nil {
		return FuncBody{}, err
	}
	var body FuncBody
	var total uint64
	for j := uint32(0); j < groups; j++ {
		n, err := r.readU32()
		if err != nil {
			return FuncBody{}, err
		}
		total += uint64(n)
		if total > 50000 {
			return FuncBody{}, errors.New("too many locals")
		}
		vt, err := readValType(r)
		if err != nil {
			return FuncBody{}, err
		}
		body.Locals = append(body.Locals, LocalEntry{Count: n, Type: vt})
	}
	body.Code = raw[r.pos:]
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != 0x0B {
		return FuncBody{}, errors.New("function body must end with end opcode")
	}
	return body, nil
}

func parseCustomSection(r *reader, m *Module) error {
	name, err := r.readName()
	if err != nil {
		return err
	}
	data := r.data[r.pos:]
	r.pos = len(r.data)

	if name != "name" {
		m.Customs = append(m.Customs, CustomSection{Name: name, Data: data})
		return nil
	}
	// A malformed name section is ignored rather than failing the module.
	_ = parseNameSection(newReader(data), m)
	return nil
}

func parseNameSection(r *reader, m *Module) error {
	for r.len() > 0 {
		id, err := r.readByte()
		if err != nil {
			return err
		}
		size, err := r.readU32()
		if err != nil {
			return err
		}
		payload, err := r.readBytes(size)
		if err != nil {
			return err
		}
		sr := newReader(payload)
		switch id {
		case nameSubsectionModule:
			if m.ModuleName, err = sr.readName(); err != nil {
				return err
			}
		case nameSubsectionFunction:
			count, err := sr.readU32()
			if err != nil {
				return err
			}
			if m.Names == nil {
				m.Names = make(map[uint32]string, min(count, 4096))
			}
			for i := uint32(0); i < count; i++ {
				idx, err := sr.readU32()
				if err != nil {
					return err
				}
				fname, err := sr.readName()
				if err != nil {
					return err
				}
				m.Names[idx] = fname
			}
		}
	}
	return nil
}
