package unwind

import "encoding/binary"

// Stack is a captured window of a thread's stack memory, read at
// sample time starting at Base (normally the sampled RSP).
type Stack struct {
	Base  uint64
	Bytes []byte
}

// Read loads a little-endian 8-byte word at addr, reporting false if
// addr falls outside the captured window.
func (s Stack) Read(addr uint64) (uint64, bool) {
	if addr < s.Base {
		return 0, false
	}
	off := addr - s.Base
	if off+8 > uint64(len(s.Bytes)) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(s.Bytes[off : off+8]), true
}

// Contains reports whether addr falls within the captured window.
func (s Stack) Contains(addr uint64) bool {
	return addr >= s.Base && addr-s.Base < uint64(len(s.Bytes))
}
