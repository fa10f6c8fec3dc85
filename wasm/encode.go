package wasm

import "sort"

// Encode encodes the module to WebAssembly binary format.
// Only the sections represented by Module are written.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	if len(m.Types) > 0 {
		sec := AppendLEB128u(nil, uint64(len(m.Types)))
		for _, ft := range m.Types {
			sec = append(sec, FuncTypeByte)
			sec = appendValTypes(sec, ft.Params)
			sec = appendValTypes(sec, ft.Results)
		}
		out = appendSection(out, SectionType, sec)
	}

	if len(m.Imports) > 0 {
		sec := AppendLEB128u(nil, uint64(len(m.Imports)))
		for _, imp := range m.Imports {
			sec = appendName(sec, imp.Module)
			sec = appendName(sec, imp.Name)
			sec = append(sec, imp.Kind)
			if imp.Kind == KindFunc {
				sec = AppendLEB128u(sec, uint64(imp.TypeIdx))
			} else {
				sec = append(sec, imp.Desc...)
			}
		}
		out = appendSection(out, SectionImport, sec)
	}

	if len(m.Funcs) > 0 {
		sec := AppendLEB128u(nil, uint64(len(m.Funcs)))
		for _, idx := range m.Funcs {
			sec = AppendLEB128u(sec, uint64(idx))
		}
		out = appendSection(out, SectionFunction, sec)
	}

	if len(m.Exports) > 0 {
		sec := AppendLEB128u(nil, uint64(len(m.Exports)))
		for _, exp := range m.Exports {
			sec = appendName(sec, exp.Name)
			sec = append(sec, exp.Kind)
			sec = AppendLEB128u(sec, uint64(exp.Idx))
		}
		out = appendSection(out, SectionExport, sec)
	}

	if len(m.Code) > 0 {
		sec := AppendLEB128u(nil, uint64(len(m.Code)))
		for _, body := range m.Code {
			fn := AppendLEB128u(nil, uint64(len(body.Locals)))
			for _, l := range body.Locals {
				fn = AppendLEB128u(fn, uint64(l.Count))
				fn = append(fn, byte(l.Type))
			}
			fn = append(fn, body.Code...)
			sec = AppendLEB128u(sec, uint64(len(fn)))
			sec = append(sec, fn...)
		}
		out = appendSection(out, SectionCode, sec)
	}

	for _, c := range m.Customs {
		out = appendSection(out, SectionCustom, append(appendName(nil, c.Name), c.Data...))
	}

	if m.ModuleName != "" || len(m.Names) > 0 {
		out = appendSection(out, SectionCustom, m.encodeNameSection())
	}

	return out
}

func (m *Module) encodeNameSection() []byte {
	sec := appendName(nil, "name")
	if m.ModuleName != "" {
		sub := appendName(nil, m.ModuleName)
		sec = append(sec, nameSubsectionModule)
		sec = AppendLEB128u(sec, uint64(len(sub)))
		sec = append(sec, sub...)
	}
	if len(m.Names) > 0 {
		indices := make([]uint32, 0, len(m.Names))
		for idx := range m.Names {
			indices = append(indices, idx)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

		sub := AppendLEB128u(nil, uint64(len(indices)))
		for _, idx := range indices {
			sub = AppendLEB128u(sub, uint64(idx))
			sub = appendName(sub, m.Names[idx])
		}
		sec = append(sec, nameSubsectionFunction)
		sec = AppendLEB128u(sec, uint64(len(sub)))
		sec = append(sec, sub...)
	}
	return sec
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = AppendLEB128u(dst, uint64(len(payload)))
	return append(dst, payload...)
}

func appendName(dst []byte, s string) []byte {
	dst = AppendLEB128u(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendValTypes(dst []byte, types []ValType) []byte {
	dst = AppendLEB128u(dst, uint64(len(types)))
	for _, t := range types {
		dst = append(dst, byte(t))
	}
	return dst
}
