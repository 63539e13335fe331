package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Pre-computed keccak256 of the canonical EIP-712 type strings.
var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,uint256 timestamp,uint256 nonce)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// OrderPayload represents the 12 fields of a prediction-market CLOB order
// that must be signed via EIP-712. String types are used for addresses and
// large numbers to preserve precision across JSON boundaries.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`          // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"` // 0 = EOA
}

// Signer provides EIP-712 signing for the prediction-market CLOB API. The
// auth and exchange domains differ only in name, so both separators are
// derived once at construction.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	authSep    []byte
	orderSep   []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the target chain ID for the EIP-712 signing domains.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}
	s.authSep = s.domainSeparator("ClobAuthDomain", "1")
	s.orderSep = s.domainSeparator("CTF Exchange", "1")
	return s, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthMessage signs the ClobAuth message used to obtain an API key from
// the CLOB. The returned string is a hex-encoded 65-byte signature with
// recovery byte.
func (s *Signer) SignAuthMessage(address string, timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(
		clobAuthTypeHash,
		addressWord(common.HexToAddress(address)),
		uint256Word(big.NewInt(timestamp)),
		uint256Word(big.NewInt(nonce)),
	)
	return s.signDigest(eip712Hash(s.authSep, structHash))
}

// SignOrder signs an Order struct for placement on the CLOB. It returns a
// hex-encoded 65-byte signature.
func (s *Signer) SignOrder(order OrderPayload) (string, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return "", err
	}
	return s.signDigest(eip712Hash(s.orderSep, structHash))
}

// domainSeparator returns keccak256(abi.encode(typeHash, nameHash,
// versionHash, chainId)).
func (s *Signer) domainSeparator(name, version string) []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		uint256Word(big.NewInt(s.chainID)),
	)
}

// eip712Hash computes the final digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}

// signDigest signs a 32-byte digest and returns the hex-encoded signature
// (r || s || v, 65 bytes). go-ethereum yields v in {0,1}; the venue expects
// {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// orderStructHash ABI-encodes and hashes an OrderPayload. Every numeric
// field is a decimal string; malformed or out-of-range values are rejected
// before any hashing happens.
func orderStructHash(o OrderPayload) ([]byte, error) {
	nums := make([]*big.Int, 0, 7)
	for _, f := range []struct{ name, value string }{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	} {
		n, err := parseUint256(f.name, f.value)
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}

	return ethcrypto.Keccak256(
		orderTypeHash,
		uint256Word(nums[0]),
		addressWord(common.HexToAddress(o.Maker)),
		addressWord(common.HexToAddress(o.Signer)),
		addressWord(common.HexToAddress(o.Taker)),
		uint256Word(nums[1]),
		uint256Word(nums[2]),
		uint256Word(nums[3]),
		uint256Word(nums[4]),
		uint256Word(nums[5]),
		uint256Word(nums[6]),
		uint256Word(big.NewInt(int64(o.Side))),
		uint256Word(big.NewInt(int64(o.SignatureType))),
	), nil
}

// parseUint256 parses a decimal string into a big.Int that fits uint256.
func parseUint256(field, value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("crypto/signer: invalid %s %q", field, value)
	}
	return n, nil
}

// uint256Word returns the 32-byte big-endian ABI word for n. Callers must
// have range-checked n; FillBytes panics past 256 bits.
func uint256Word(n *big.Int) []byte {
	var b [32]byte
	n.FillBytes(b[:])
	return b[:]
}

// addressWord left-pads a 20-byte address to a 32-byte ABI word.
func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}
