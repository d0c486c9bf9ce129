package protocol

// ChecksumFunc computes the trailer byte over everything between the magic
// bytes and the checksum itself.
type ChecksumFunc func(body []byte) byte

// XORChecksum folds all bytes with XOR.
func XORChecksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum ^= b
	}
	return sum
}

// SumChecksum is the modulo-256 sum, used by some sibling firmware revisions.
func SumChecksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}
