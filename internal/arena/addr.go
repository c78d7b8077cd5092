package arena

import "unsafe"

// addressOf returns the starting address of buf's backing array, used
// only to compute alignment padding in allocAligned.
func addressOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
