package agentauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// stacksMessagePrefix is prepended (with a varint length) before hashing.
const stacksMessagePrefix = "\x17Stacks Signed Message:\n"

var evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// HashStacksMessage returns sha256(prefix || varint(len(msg)) || msg).
func HashStacksMessage(message string) []byte {
	var buf bytes.Buffer
	buf.WriteString(stacksMessagePrefix)
	buf.Write(encodeVarint(uint64(len(message))))
	buf.WriteString(message)
	sum := sha256.Sum256(buf.Bytes())
	return sum[:]
}

// encodeVarint writes a Bitcoin-style compact size.
func encodeVarint(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// HashEVMMessage returns the EIP-191 personal_sign digest.
func HashEVMMessage(message string) []byte {
	return accounts.TextHash([]byte(message))
}

// decodeSignature parses a 65-byte r||s||v signature and normalizes v to 0/1.
func decodeSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex: %v", ErrSignatureMalformed, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrSignatureMalformed, crypto.SignatureLength, len(sig))
	}

	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, false) {
		return nil, fmt.Errorf("%w: signature values out of range", ErrSignatureMalformed)
	}
	sig[crypto.RecoveryIDOffset] = v
	return sig, nil
}

// decodePublicKey accepts a compressed (33 byte) or uncompressed (65 byte)
// secp256k1 key and returns its uncompressed encoding.
func decodePublicKey(keyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", ErrSignatureMalformed, err)
	}
	switch len(raw) {
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
		}
		return crypto.FromECDSAPub(pub), nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
		}
		return crypto.FromECDSAPub(pub), nil
	default:
		return nil, fmt.Errorf("%w: public key must be 33 or 65 bytes, got %d", ErrSignatureMalformed, len(raw))
	}
}

// verifyStacks checks an RSV signature over the Stacks message digest
// against a hex public key.
func verifyStacks(message, sigHex, pubKeyHex string) error {
	want, err := decodePublicKey(pubKeyHex)
	if err != nil {
		return err
	}
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return err
	}
	got, err := crypto.Ecrecover(HashStacksMessage(message), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !bytes.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// verifyEVM checks an EIP-191 signature against a 0x address.
func verifyEVM(message, sigHex, address string) error {
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return err
	}
	pubBytes, err := crypto.Ecrecover(HashEVMMessage(message), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return ErrInvalidSignature
	}
	return nil
}
