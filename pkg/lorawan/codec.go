package lorawan

import (
	"encoding/hex"
	"strings"
)

// reverse returns a new slice with b's bytes in reverse order. DevAddrs
// and EUIs are carried little-endian on the wire but stored and keyed
// big-endian everywhere else in this package; reverse is the boundary
// conversion applied by every Marshal/Unmarshal and by the MIC/cipher
// block builders (§4.1, §4.5, §6).
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// BinXOR XORs a and b byte-wise. a and b must be the same length; used
// by aesCMAC to chain blocks and to combine the last block with a
// subkey.
func BinXOR(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// EncodeHex renders b as uppercase hex with no separator (§4.1).
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
