package wasm

import (
	"errors"
	"fmt"

	"fortio.org/safecast"
)

// Opcodes the scanner treats specially.
const (
	OpUnreachable        byte = 0x00
	OpNop                byte = 0x01
	OpBlock              byte = 0x02
	OpLoop               byte = 0x03
	OpIf                 byte = 0x04
	OpElse               byte = 0x05
	OpTry                byte = 0x06
	OpCatch              byte = 0x07
	OpThrow              byte = 0x08
	OpRethrow            byte = 0x09
	OpThrowRef           byte = 0x0A
	OpEnd                byte = 0x0B
	OpBr                 byte = 0x0C
	OpBrIf               byte = 0x0D
	OpBrTable            byte = 0x0E
	OpReturn             byte = 0x0F
	OpCall               byte = 0x10
	OpCallIndirect       byte = 0x11
	OpReturnCall         byte = 0x12
	OpReturnCallIndirect byte = 0x13
	OpCallRef            byte = 0x14
	OpReturnCallRef      byte = 0x15
	OpDelegate           byte = 0x18
	OpCatchAll           byte = 0x19
	OpDrop               byte = 0x1A
	OpSelect             byte = 0x1B
	OpSelectType         byte = 0x1C
	OpTryTable           byte = 0x1F
	OpLocalGet           byte = 0x20
	OpGlobalSet          byte = 0x24
	OpTableGet           byte = 0x25
	OpTableSet           byte = 0x26
	OpI32Load            byte = 0x28
	OpI64Store32         byte = 0x3E
	OpMemorySize         byte = 0x3F
	OpMemoryGrow         byte = 0x40
	OpI32Const           byte = 0x41
	OpI64Const           byte = 0x42
	OpF32Const           byte = 0x43
	OpF64Const           byte = 0x44
	OpI32Eqz             byte = 0x45
	OpI64Extend32S       byte = 0xC4
	OpRefNull            byte = 0xD0
	OpRefIsNull          byte = 0xD1
	OpRefFunc            byte = 0xD2
	OpRefAsNonNull       byte = 0xD3
	OpBrOnNull           byte = 0xD4
	OpBrOnNonNull        byte = 0xD6
	OpPrefixMisc         byte = 0xFC
	OpPrefixSIMD         byte = 0xFD
	OpPrefixAtomic       byte = 0xFE
)

// ErrUnsupportedOpcode is returned for instructions outside the supported set.
var ErrUnsupportedOpcode = errors.New("unsupported opcode")

// HandlerKind identifies the flavour of an exception handler.
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerCatchAll
	HandlerDelegate
	HandlerTryTableCatch
	HandlerTryTableCatchRef
	HandlerTryTableCatchAll
	HandlerTryTableCatchAllRef
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerCatch:
		return "catch"
	case HandlerCatchAll:
		return "catch_all"
	case HandlerDelegate:
		return "delegate"
	case HandlerTryTableCatch:
		return "try_table catch"
	case HandlerTryTableCatchRef:
		return "try_table catch_ref"
	case HandlerTryTableCatchAll:
		return "try_table catch_all"
	case HandlerTryTableCatchAllRef:
		return "try_table catch_all_ref"
	default:
		return fmt.Sprintf("handler(%d)", uint8(k))
	}
}

// HasTag reports whether the handler only matches a specific tag.
func (k HandlerKind) HasTag() bool {
	return k == HandlerCatch || k == HandlerTryTableCatch || k == HandlerTryTableCatchRef
}

// CallSite is a direct call found in a body.
type CallSite struct {
	Offset uint32 // byte offset of the call opcode
	Target uint32 // function space index
	Tail   bool
}

// Handler is an exception handler found in a body. Offsets are byte offsets
// into the body expression. For catch and catch_all, Target is the offset
// of the first instruction of the handler. For delegate and try_table
// entries, Target is the branch depth.
type Handler struct {
	TryStart uint32
	TryEnd   uint32
	Target   uint32
	Tag      uint32
	Kind     HandlerKind
}

// Loop is a loop header found in a body.
type Loop struct {
	Offset uint32
	Depth  uint32
}

// BodyInfo is the result of scanning a function body.
type BodyInfo struct {
	Calls         []CallSite
	Loops         []Loop
	Handlers      []Handler
	IndirectCalls int
	Instructions  int
	MaxDepth      int
	UsesSIMD      bool
}

type controlFrame struct {
	pending   []int // handler indices waiting for TryEnd
	start     uint32
	tryEnd    uint32
	op        byte
	inCatch   bool
	hasTryEnd bool
}

// ScanBody walks a function body expression and collects the facts the
// tiering runtime needs. The expression must end with the function-level
// end opcode.
func ScanBody(code []byte) (*BodyInfo, error) {
	s := &scanner{r: newReader(code), info: &BodyInfo{}}
	if err := s.run(); err != nil {
		return nil, err
	}
	return s.info, nil
}

type scanner struct {
	r     *reader
	info  *BodyInfo
	stack []controlFrame
}

func (s *scanner) offset() (uint32, error) {
	return safecast.Conv[uint32](s.r.pos)
}

func (s *scanner) run() error {
	s.stack = append(s.stack, controlFrame{op: OpBlock})

	for len(s.stack) > 0 {
		at, err := s.offset()
		if err != nil {
			return err
		}
		op, err := s.r.readByte()
		if err != nil {
			return fmt.Errorf("unexpected end of body at offset %d", at)
		}
		s.info.Instructions++
		if err := s.step(op, at); err != nil {
			return fmt.Errorf("opcode 0x%02x at offset %d: %w", op, at, err)
		}
	}

	if s.r.len() != 0 {
		return fmt.Errorf("%d trailing bytes after function end", s.r.len())
	}
	return nil
}

func (s *scanner) push(f controlFrame) {
	s.stack = append(s.stack, f)
	if len(s.stack)-1 > s.info.MaxDepth {
		s.info.MaxDepth = len(s.stack) - 1
	}
}

func (s *scanner) top() *controlFrame {
	return &s.stack[len(s.stack)-1]
}

func (s *scanner) step(op byte, at uint32) error {
	r := s.r
	switch {
	case op == OpUnreachable, op == OpNop, op == OpReturn, op == OpDrop,
		op == OpSelect, op == OpThrowRef, op == OpRefIsNull, op == OpRefAsNonNull:
		return nil

	case op == OpBlock, op == OpIf:
		if err := skipBlockType(r); err != nil {
			return err
		}
		s.push(controlFrame{op: op, start: at})
		return nil

	case op == OpLoop:
		if err := skipBlockType(r); err != nil {
			return err
		}
		depth, err := safecast.Conv[uint32](len(s.stack))
		if err != nil {
			return err
		}
		s.info.Loops = append(s.info.Loops, Loop{Offset: at, Depth: depth})
		s.push(controlFrame{op: op, start: at})
		return nil

	case op == OpElse:
		if len(s.stack) < 2 || s.top().op != OpIf {
			return errors.New("else without if")
		}
		return nil

	case op == OpTry:
		if err := skipBlockType(r); err != nil {
			return err
		}
		start, err := s.offset()
		if err != nil {
			return err
		}
		s.push(controlFrame{op: op, start: start})
		return nil

	case op == OpCatch, op == OpCatchAll:
		f := s.top()
		if f.op != OpTry {
			return errors.New("catch outside try")
		}
		if !f.hasTryEnd {
			f.tryEnd, f.hasTryEnd = at, true
		}
		f.inCatch = true
		h := Handler{TryStart: f.start, TryEnd: f.tryEnd, Kind: HandlerCatchAll}
		if op == OpCatch {
			tag, err := r.readU32()
			if err != nil {
				return err
			}
			h.Kind, h.Tag = HandlerCatch, tag
		}
		target, err := s.offset()
		if err != nil {
			return err
		}
		h.Target = target
		s.info.Handlers = append(s.info.Handlers, h)
		return nil

	case op == OpDelegate:
		f := s.top()
		if f.op != OpTry || f.inCatch {
			return errors.New("delegate outside try")
		}
		label, err := r.readU32()
		if err != nil {
			return err
		}
		s.info.Handlers = append(s.info.Handlers, Handler{
			TryStart: f.start,
			TryEnd:   at,
			Kind:     HandlerDelegate,
			Target:   label,
		})
		s.stack = s.stack[:len(s.stack)-1]
		return nil

	case op == OpTryTable:
		return s.tryTable()

	case op == OpEnd:
		f := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		for _, idx := range f.pending {
			s.info.Handlers[idx].TryEnd = at
		}
		return nil

	case op == OpThrow, op == OpRethrow, op == OpBr, op == OpBrIf,
		op == OpBrOnNull, op == OpBrOnNonNull, op == OpRefFunc,
		op == OpCallRef, op == OpReturnCallRef,
		op >= OpLocalGet && op <= OpTableSet:
		_, err := r.readU32()
		return err

	case op == OpBrTable:
		n, err := r.readU32()
		if err != nil {
			return err
		}
		for i := uint64(0); i <= uint64(n); i++ {
			if _, err := r.readU32(); err != nil {
				return err
			}
		}
		return nil

	case op == OpCall, op == OpReturnCall:
		target, err := r.readU32()
		if err != nil {
			return err
		}
		s.info.Calls = append(s.info.Calls, CallSite{Offset: at, Target: target, Tail: op == OpReturnCall})
		return nil

	case op == OpCallIndirect, op == OpReturnCallIndirect:
		if _, err := r.readU32(); err != nil {
			return err
		}
		if _, err := r.readU32(); err != nil {
			return err
		}
		s.info.IndirectCalls++
		return nil

	case op == OpSelectType:
		n, err := r.readU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if _, err := readValType(r); err != nil {
				return err
			}
		}
		return nil

	case op >= OpI32Load && op <= OpI64Store32:
		return skipMemArg(r)

	case op == OpMemorySize, op == OpMemoryGrow:
		_, err := r.readU32()
		return err

	case op == OpI32Const:
		_, err := r.readS64()
		return err
	case op == OpI64Const:
		_, err := r.readS64()
		return err
	case op == OpF32Const:
		return r.skip(4)
	case op == OpF64Const:
		return r.skip(8)

	case op >= OpI32Eqz && op <= OpI64Extend32S:
		return nil

	case op == OpRefNull:
		_, err := r.readS64()
		return err

	case op == OpPrefixMisc:
		return skipMisc(r)

	case op == OpPrefixSIMD:
		s.info.UsesSIMD = true
		return skipSIMD(r)

	case op == OpPrefixAtomic:
		return skipAtomic(r)
	}

	return ErrUnsupportedOpcode
}

func (s *scanner) tryTable() error {
	r := s.r
	if err := skipBlockType(r); err != nil {
		return err
	}
	n, err := r.readU32()
	if err != nil {
		return err
	}
	type clause struct {
		kind  HandlerKind
		tag   uint32
		label uint32
	}
	clauses := make([]clause, 0, min(n, 16))
	for i := uint32(0); i < n; i++ {
		k, err := r.readByte()
		if err != nil {
			return err
		}
		var c clause
		switch k {
		case 0x00:
			c.kind = HandlerTryTableCatch
		case 0x01:
			c.kind = HandlerTryTableCatchRef
		case 0x02:
			c.kind = HandlerTryTableCatchAll
		case 0x03:
			c.kind = HandlerTryTableCatchAllRef
		default:
			return fmt.Errorf("invalid catch kind 0x%02x", k)
		}
		if c.kind.HasTag() {
			if c.tag, err = r.readU32(); err != nil {
				return err
			}
		}
		if c.label, err = r.readU32(); err != nil {
			return err
		}
		clauses = append(clauses, c)
	}

	start, err := s.offset()
	if err != nil {
		return err
	}
	f := controlFrame{op: OpTryTable, start: start}
	for _, c := range clauses {
		f.pending = append(f.pending, len(s.info.Handlers))
		s.info.Handlers = append(s.info.Handlers, Handler{
			TryStart: start,
			Kind:     c.kind,
			Tag:      c.tag,
			Target:   c.label,
		})
	}
	s.push(f)
	return nil
}

func skipBlockType(r *reader) error {
	b, err := r.peekByte()
	if err != nil {
		return err
	}
	switch b {
	case blockTypeEmpty, byte(ValI32), byte(ValI64), byte(ValF32), byte(ValF64),
		byte(ValV128), byte(ValFuncRef), byte(ValExternRef), byte(ValExnRef):
		r.pos++
		return nil
	case refNullable, refNonNullable:
		r.pos++
		_, err := r.readS64()
		return err
	}
	idx, err := r.readS64()
	if err != nil {
		return err
	}
	if idx < 0 {
		return fmt.Errorf("invalid block type %d", idx)
	}
	return nil
}

func skipMemArg(r *reader) error {
	align, err := r.readU32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		if _, err := r.readU32(); err != nil {
			return err
		}
	}
	_, err = r.readU64()
	return err
}

func skipMisc(r *reader) error {
	sub, err := r.readU32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 7:
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14:
		if _, err := r.readU32(); err != nil {
			return err
		}
		_, err := r.readU32()
		return err
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		_, err := r.readU32()
		return err
	}
	return ErrUnsupportedOpcode
}

func skipSIMD(r *reader) error {
	sub, err := r.readU32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 11, sub == 92, sub == 93:
		return skipMemArg(r)
	case sub == 12, sub == 13:
		return r.skip(16)
	case sub >= 21 && sub <= 34:
		return r.skip(1)
	case sub >= 84 && sub <= 91:
		if err := skipMemArg(r); err != nil {
			return err
		}
		return r.skip(1)
	}
	return nil
}

func skipAtomic(r *reader) error {
	sub, err := r.readU32()
	if err != nil {
		return err
	}
	if sub == 0x03 {
		return r.skip(1)
	}
	return skipMemArg(r)
}
