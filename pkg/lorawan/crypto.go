package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// aesCMAC implements AES-CMAC-128 per RFC 4493, returning the full
// 16-byte tag; callers truncate to the 4-byte MIC themselves.
func aesCMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := cmacSubkeys(block)

	var mLast []byte
	n := len(data)
	if n == 0 {
		mLast = make([]byte, 16)
		mLast[0] = 0x80
		mLast = BinXOR(mLast, k2)
	} else if n%16 == 0 {
		mLast = BinXOR(data[n-16:], k1)
	} else {
		last := make([]byte, 16)
		rem := n % 16
		copy(last, data[n-rem:])
		last[rem] = 0x80
		mLast = BinXOR(last, k2)
	}

	// numFull excludes the final block, which mLast already covers
	// (transformed with k1/k2) whether or not it was a full 16 bytes.
	numFull := n / 16
	if n != 0 && n%16 == 0 {
		numFull--
	}

	x := make([]byte, 16)
	for i := 0; i < numFull; i++ {
		y := BinXOR(x, data[i*16:(i+1)*16])
		block.Encrypt(x, y)
	}
	y := BinXOR(x, mLast)
	block.Encrypt(x, y)

	return x, nil
}

func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	zero := make([]byte, 16)
	k0 := make([]byte, 16)
	block.Encrypt(k0, zero)

	k1 = leftShift1(k0)
	if k0[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = leftShift1(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	return k1, k2
}

func leftShift1(b []byte) []byte {
	out := make([]byte, len(b))
	var carry byte
	for i := len(b) - 1; i >= 0; i-- {
		out[i] = b[i]<<1 | carry
		carry = (b[i] & 0x80) >> 7
	}
	return out
}

// CalculateMIC returns the 4-byte truncated AES-CMAC of data under key.
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	tag, err := aesCMAC(key, data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], tag[:4])
	return mic, nil
}

// micB0 builds the b0 authentication block of the data-frame MIC
// (§4.5): dir=0 uplink, dir=1 downlink. Join MICs do not use it.
func micB0(dir byte, devAddr DevAddr, fcnt uint32, msgLen int) []byte {
	b0 := make([]byte, 16)
	b0[0] = 0x49
	b0[5] = dir
	copy(b0[6:10], reverse(devAddr[:]))
	binary.LittleEndian.PutUint32(b0[10:14], fcnt)
	b0[15] = byte(msgLen)
	return b0
}

// DataMIC computes the 4-byte MIC of a data-up/data-down frame:
// aes_cmac(key, b0 || mhdr || macPayload)[0:4] (§4.5).
func DataMIC(key AES128Key, dir byte, devAddr DevAddr, fcnt uint32, mhdr byte, macPayload []byte) ([4]byte, error) {
	b0 := micB0(dir, devAddr, fcnt, 1+len(macPayload))
	msg := make([]byte, 0, 16+1+len(macPayload))
	msg = append(msg, b0...)
	msg = append(msg, mhdr)
	msg = append(msg, macPayload...)
	return CalculateMIC(key[:], msg)
}

// JoinMIC computes the MIC of a join-request or plaintext join-accept:
// aes_cmac(AppKey, mhdr || macPayload)[0:4].
func JoinMIC(appKey AES128Key, mhdr byte, macPayload []byte) ([4]byte, error) {
	msg := make([]byte, 0, 1+len(macPayload))
	msg = append(msg, mhdr)
	msg = append(msg, macPayload...)
	return CalculateMIC(appKey[:], msg)
}

// aesECBEncryptBlocks / aesECBDecryptBlocks run raw AES-128 block
// operations; data must be a multiple of 16 bytes. LoRaWAN's join-accept
// asymmetry (encrypt using the block *decrypt* operation) is applied by
// the caller, not baked in here.
func aesECBEncryptBlocks(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("lorawan: ECB input not block-aligned: %d bytes", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

func aesECBDecryptBlocks(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("lorawan: ECB input not block-aligned: %d bytes", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// CipherFRMPayload implements the LoRaWAN FRMPayload cipher (§4.5): a
// CTR-style stream cipher whose keystream blocks start at counter 1 and
// are derived from the Ai block (dir/devaddr/fcnt/block-index), AES-ECB
// encrypted under key. It is its own inverse (P6): encrypting and
// decrypting are the same operation.
func CipherFRMPayload(key AES128Key, dir byte, devAddr DevAddr, fcnt uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	numBlocks := (len(payload) + 15) / 16
	a := make([]byte, 16)
	a[0] = 0x01
	a[5] = dir
	copy(a[6:10], reverse(devAddr[:]))
	binary.LittleEndian.PutUint32(a[10:14], fcnt)

	out := make([]byte, len(payload))
	s := make([]byte, 16)
	for i := 0; i < numBlocks; i++ {
		a[15] = byte(i + 1)
		block.Encrypt(s, a)

		start := i * 16
		end := start + 16
		if end > len(payload) {
			end = len(payload)
		}
		for j := start; j < end; j++ {
			out[j] = payload[j] ^ s[j-start]
		}
	}
	return out, nil
}

// EncryptJoinAccept applies the join-accept asymmetry (§4.5): the
// accept is "encrypted" by running the AES block *decrypt* operation
// under AppKey over macPayload||mic. No padding is added: the input
// must be a multiple of 16 bytes (a 12-byte payload plus the 4-byte MIC,
// or 28 bytes plus MIC with a CFList), otherwise an error is returned.
func EncryptJoinAccept(appKey AES128Key, macPayloadAndMIC []byte) ([]byte, error) {
	return aesECBDecryptBlocks(appKey[:], macPayloadAndMIC)
}

// DecryptJoinAccept reverses EncryptJoinAccept (AES block *encrypt*
// under AppKey), used by a device simulator or round-trip test.
func DecryptJoinAccept(appKey AES128Key, ciphertext []byte) ([]byte, error) {
	return aesECBEncryptBlocks(appKey[:], ciphertext)
}

// DeriveSessionKeys derives NwkSKey/AppSKey from AppKey at join time
// (§4.5, LoRaWAN 1.0.x key derivation — no NwkKey/1.1 hierarchy, a
// Non-goal here):
//
//	NwkSKey = aes128_encrypt(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
//	AppSKey = aes128_encrypt(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
func DeriveSessionKeys(appKey AES128Key, appNonce [3]byte, netID [3]byte, devNonce [2]byte) (nwkSKey, appSKey AES128Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, err
	}

	msg := make([]byte, 16)
	copy(msg[1:4], appNonce[:])
	copy(msg[4:7], netID[:])
	copy(msg[7:9], devNonce[:])

	msg[0] = 0x01
	block.Encrypt(nwkSKey[:], msg)

	msg[0] = 0x02
	block.Encrypt(appSKey[:], msg)

	return nwkSKey, appSKey, nil
}
