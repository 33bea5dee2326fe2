package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a signature cannot be decoded or recovered.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer produces EIP-712 signatures for orders and cancels. The exchange
// itself only verifies; Signer backs the CLI and tests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     Domain
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, domain Domain) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, domain), nil
}

// NewSignerFromKey wraps an already parsed key.
func NewSignerFromKey(pk *ecdsa.PrivateKey, domain Domain) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domain:     domain,
	}
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder signs an order and returns a hex-encoded 65-byte signature.
func (s *Signer) SignOrder(msg OrderMessage) (string, error) {
	return s.signDigest(OrderDigest(s.domain, msg))
}

// SignCancel signs a cancel request.
func (s *Signer) SignCancel(msg CancelMessage) (string, error) {
	return s.signDigest(CancelDigest(s.domain, msg))
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets produce v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// DecodeSignature parses a 0x-prefixed or bare hex signature of 65 bytes and
// normalises v to {0,1}.
func DecodeSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: expected 65 bytes, got %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return nil, fmt.Errorf("%w: invalid recovery id %d", ErrBadSignature, sig[64])
	}
	return sig, nil
}

// RecoverSigner returns the address that produced sigHex over digest.
func RecoverSigner(digest []byte, sigHex string) (common.Address, error) {
	sig, err := DecodeSignature(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
