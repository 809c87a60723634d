package mapping

import "encoding/binary"

// Heap words are stored little-endian regardless of host order so that snapshots taken on one
// machine can be inspected on another.
var byteOrder = binary.LittleEndian
