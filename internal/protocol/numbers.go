package protocol

// BytesToNumber reinterprets a big-endian field of the given width.
func BytesToNumber(data []byte, offset, length int) int64 {
	var result int64
	for i := 0; i < length; i++ {
		result = (result << 8) | int64(data[offset+i])
	}
	return result
}

// BytesToNumberLittleEndian reinterprets a little-endian field; beat grid
// timings are the only place the protocol uses this byte order.
func BytesToNumberLittleEndian(data []byte, offset, length int) int64 {
	var result int64
	for i := length - 1; i >= 0; i-- {
		result = (result << 8) | int64(data[offset+i])
	}
	return result
}

// NumberToBytes writes a big-endian field of the given width.
func NumberToBytes(value int64, data []byte, offset, length int) {
	for i := length - 1; i >= 0; i-- {
		data[offset+i] = byte(value & 0xff)
		value >>= 8
	}
}

// pitchNeutral is the raw pitch value that means "no pitch adjustment".
const pitchNeutral = 0x100000

// PitchToMultiplier converts a raw pitch field to the multiplier it applies
// to the track tempo (1.0 means no adjustment).
func PitchToMultiplier(pitch int64) float64 {
	return float64(pitch) / float64(pitchNeutral)
}
