package authenticator

import (
	"math/big"
	"strings"

	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

// SignOrder fills in the maker and signature of raw so that Accept verifies
// it. An empty maker defaults to the signer's address; a different one is
// rejected, since the signature would never recover to it.
func SignOrder(s *crypto.Signer, raw RawOrder) (RawOrder, error) {
	if raw.Maker == "" {
		raw.Maker = s.Address().Hex()
	}
	if !strings.EqualFold(raw.Maker, s.Address().Hex()) {
		return raw, domain.Reject(domain.ErrUnauthorized, "maker %s is not the signing key %s", raw.Maker, s.Address().Hex())
	}
	msg, _, err := parseOrder(raw)
	if err != nil {
		return raw, err
	}
	sig, err := s.SignOrder(msg)
	if err != nil {
		return raw, err
	}
	raw.Signature = sig
	return raw, nil
}

// SignCancel builds a signed cancel for orderID at the given unix time.
func SignCancel(s *crypto.Signer, orderID string, unixTS int64) (RawCancel, error) {
	sig, err := s.SignCancel(crypto.CancelMessage{
		OrderID:   orderID,
		Maker:     s.Address(),
		Timestamp: big.NewInt(unixTS),
	})
	if err != nil {
		return RawCancel{}, err
	}
	return RawCancel{
		OrderID:   orderID,
		Maker:     s.Address().Hex(),
		Timestamp: unixTS,
		Signature: sig,
	}, nil
}
