package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part used for bech32 addresses.
type AddressPrefix string

// SalePrefix is the default bech32 prefix for tokensale addresses.
const SalePrefix AddressPrefix = "sale"

var (
	ErrEmptyAddress   = errors.New("crypto: empty address")
	ErrInvalidAddress = errors.New("crypto: invalid address")
)

// ParseAddress accepts either a 0x-prefixed hex address or a bech32 address
// and returns the raw 20 bytes.
func ParseAddress(s string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return out, ErrEmptyAddress
	}
	if common.IsHexAddress(trimmed) {
		return common.HexToAddress(trimmed), nil
	}
	_, raw, err := DecodeBech32(trimmed)
	if err != nil {
		return out, fmt.Errorf("%w: %q", ErrInvalidAddress, trimmed)
	}
	return raw, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) [20]byte {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// FormatAddress renders an address as EIP-55 checksummed hex.
func FormatAddress(addr [20]byte) string {
	return common.Address(addr).Hex()
}

// EncodeBech32 renders an address with the supplied human-readable prefix.
func EncodeBech32(prefix AddressPrefix, addr [20]byte) (string, error) {
	conv, err := bech32.ConvertBits(addr[:], 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(string(prefix), conv)
}

// DecodeBech32 parses a bech32 address into its prefix and raw bytes.
func DecodeBech32(s string) (AddressPrefix, [20]byte, error) {
	var out [20]byte
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return "", out, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return "", out, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != len(out) {
		return "", out, fmt.Errorf("address must be 20 bytes long, got %d", len(conv))
	}
	copy(out[:], conv)
	return AddressPrefix(prefix), out, nil
}

// IsZeroAddress reports whether addr is the null address.
func IsZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

// GenerateAddress creates a fresh secp256k1 key and returns its address.
// The key itself is discarded; it is used to mint throwaway wallets for
// default configs and tests.
func GenerateAddress() ([20]byte, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return [20]byte{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
