// Package wasm decodes the parts of a WebAssembly binary module that the
// tiering runtime needs: function signatures, imported functions, defined
// function bodies, exports and the name section.
//
// Validation is left to the loader (see engine.LoadModule, which validates
// through wazero). This package only checks structure.
//
// # Parsing
//
//	m, err := wasm.ParseModule(data)
//	if err != nil {
//		return err
//	}
//	for i, body := range m.Code {
//		info, err := wasm.ScanBody(body.Code)
//		...
//	}
//
// # Body scanning
//
// ScanBody walks one function body and reports direct call targets, loop
// headers, exception handlers (legacy try/catch/delegate and try_table)
// and whether SIMD instructions occur. Code generators use this to build
// call-site and handler tables without a full instruction decoder.
//
// # Encoding
//
// Module.Encode writes the same subset back out. It is used to assemble
// test modules and by the command line tool.
package wasm
