package crypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

const (
	domainTypeString = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	orderTypeString  = "Order(uint256 salt,address maker,string marketId,uint8 outcome,uint8 side,uint256 price,uint256 quantity,uint256 nonce,uint256 expiration)"
	cancelTypeString = "CancelOrder(string orderId,address maker,uint256 timestamp)"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256([]byte(domainTypeString))
	orderTypeHash        = ethcrypto.Keccak256([]byte(orderTypeString))
	cancelTypeHash       = ethcrypto.Keccak256([]byte(cancelTypeString))
)

// Domain is the EIP-712 signing domain of the exchange.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Separator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(d.Name)),
			ethcrypto.Keccak256([]byte(d.Version)),
			bigIntTo32Bytes(d.ChainID),
			common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
		),
	)
}

// OrderMessage is the signed field set of an order. Price and Quantity are
// fixed-point integers (1e6 scale); Expiration is unix seconds.
type OrderMessage struct {
	Salt       *big.Int
	Maker      common.Address
	MarketID   string
	Outcome    uint8
	Side       uint8 // 0 = buy, 1 = sell
	Price      *big.Int
	Quantity   *big.Int
	Nonce      *big.Int
	Expiration *big.Int
}

// CancelMessage is the signed field set of a cancel request.
type CancelMessage struct {
	OrderID   string
	Maker     common.Address
	Timestamp *big.Int
}

// OrderDigest returns the EIP-712 digest of msg under d.
func OrderDigest(d Domain, msg OrderMessage) []byte {
	return eip712Hash(d.Separator(), orderStructHash(msg))
}

// CancelDigest returns the EIP-712 digest of msg under d.
func CancelDigest(d Domain, msg CancelMessage) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			cancelTypeHash,
			ethcrypto.Keccak256([]byte(msg.OrderID)),
			common.LeftPadBytes(msg.Maker.Bytes(), 32),
			bigIntTo32Bytes(msg.Timestamp),
		),
	)
	return eip712Hash(d.Separator(), structHash)
}

func orderStructHash(o OrderMessage) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			bigIntTo32Bytes(o.Salt),
			common.LeftPadBytes(o.Maker.Bytes(), 32),
			ethcrypto.Keccak256([]byte(o.MarketID)),
			bigIntTo32Bytes(big.NewInt(int64(o.Outcome))),
			bigIntTo32Bytes(big.NewInt(int64(o.Side))),
			bigIntTo32Bytes(o.Price),
			bigIntTo32Bytes(o.Quantity),
			bigIntTo32Bytes(o.Nonce),
			bigIntTo32Bytes(o.Expiration),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n. A nil n
// encodes as zero.
func bigIntTo32Bytes(n *big.Int) []byte {
	padded := make([]byte, 32)
	if n == nil {
		return padded
	}
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
