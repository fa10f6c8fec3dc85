package callee

import (
	"sort"

	"github.com/wippyai/wasm-tierup/codegen"
)

// StackMap returns the live value locations recorded for call site index
// csi.
func (c *Callee) StackMap(csi uint32) ([]codegen.ValueLocation, bool) {
	m, ok := c.code.StackMaps[csi]
	return m, ok
}

// CallSiteIndexForPC maps a return address inside the record's code to
// the call site index the backend assigned to it.
func (c *Callee) CallSiteIndexForPC(pc codegen.CodePtr) (uint32, bool) {
	start, end := c.Range()
	if pc < start || pc >= end {
		return 0, false
	}
	off := uint32(pc - start)
	ranges := c.code.CallSiteRanges
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End > off })
	if i == len(ranges) || ranges[i].Start > off {
		return 0, false
	}
	return ranges[i].CallSiteIndex, true
}

// CodeOrigin returns the inlined frame at depth for call site index csi,
// counting outward from the innermost frame at depth 0. The origin table
// is in post-order so inner frames come before the frames enclosing them.
func (c *Callee) CodeOrigin(csi uint32, depth int) (codegen.CodeOrigin, bool) {
	if c.mode != ModeOptimizingJIT && c.mode != ModeOSREntry {
		return codegen.CodeOrigin{}, false
	}
	origins := c.code.CodeOrigins
	i := sort.Search(len(origins), func(i int) bool { return origins[i].LastInlineCSI >= csi })
	for ; i < len(origins); i++ {
		o := origins[i]
		if o.FirstInlineCSI > csi || csi > o.LastInlineCSI {
			continue
		}
		if depth == 0 {
			return o, true
		}
		depth--
	}
	return codegen.CodeOrigin{}, false
}

// InlineDepth returns how many inlined frames enclose csi.
func (c *Callee) InlineDepth(csi uint32) int {
	n := 0
	for {
		if _, ok := c.CodeOrigin(csi, n); !ok {
			return n
		}
		n++
	}
}

func sortMetadata(code *codegen.UnlinkedCode) {
	sort.Slice(code.CallSiteRanges, func(i, j int) bool {
		return code.CallSiteRanges[i].Start < code.CallSiteRanges[j].Start
	})
}
