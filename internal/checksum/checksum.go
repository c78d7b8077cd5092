// Package checksum implements the rolling little-endian u32 checksum
// used for the superblock, logpack headers and logpack data blocks.
package checksum

import "encoding/binary"

// Partial folds buf (as little-endian u32 words, zero-padding a trailing
// short tail into one word) into csum and returns the running sum.
func Partial(csum uint32, buf []byte) uint32 {
	n := len(buf)
	i := 0
	for ; i+4 <= n; i += 4 {
		csum += binary.LittleEndian.Uint32(buf[i : i+4])
	}
	if i < n {
		var tail [4]byte
		copy(tail[:], buf[i:])
		csum += binary.LittleEndian.Uint32(tail[:])
	}
	return csum
}

// Finish converts a running partial sum into the stored checksum value.
func Finish(csum uint32) uint32 {
	return ^csum + 1
}

// Of computes the whole-block checksum of buf, starting from salt, as if
// the 4 bytes at checksumFieldOffset were zero.
func Of(buf []byte, checksumFieldOffset int, salt uint32) uint32 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	binary.LittleEndian.PutUint32(tmp[checksumFieldOffset:checksumFieldOffset+4], 0)
	return Finish(Partial(salt, tmp))
}

// Valid reports whether buf's stored checksum makes the whole block
// finish to zero when folded from salt, stored checksum field included.
func Valid(buf []byte, salt uint32) bool {
	return Finish(Partial(salt, buf)) == 0
}
