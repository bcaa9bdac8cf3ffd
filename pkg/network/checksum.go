package network

import "hash/adler32"

// AdlerChecksum computes the Adler-32 checksum used to validate the first
// packet on a multiplexed port.
func AdlerChecksum(data []byte) uint32 {
	return adler32.Checksum(data)
}
