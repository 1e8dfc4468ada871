package custody

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// Signer signs venue transactions with per-user keys. Every failure from this
// package is classified fatal: a custody problem must park the job for an
// operator, never trigger a retry that could double-spend.
type Signer struct {
	keys *Keystore
}

// NewSigner creates a Signer over the given keystore.
func NewSigner(keys *Keystore) *Signer {
	return &Signer{keys: keys}
}

// Sign hashes the unsigned transaction bytes with keccak256, signs the digest
// with the user's secp256k1 key, and returns the transaction with the 65-byte
// signature (r || s || v) appended, which is the wire format the venue's
// submit endpoint accepts.
func (s *Signer) Sign(ctx context.Context, userID string, txBytes []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Classify(domain.ClassFatal,
			fmt.Errorf("custody: sign for user %s: %w", userID, err))
	}
	if len(txBytes) == 0 {
		return nil, domain.Classify(domain.ClassFatal,
			fmt.Errorf("custody: sign for user %s: empty transaction: %w", userID, domain.ErrSigningFailed))
	}

	keyHex, err := s.keys.load(userID)
	if err != nil {
		return nil, domain.Classify(domain.ClassFatal,
			fmt.Errorf("%w: %w", domain.ErrSigningFailed, err))
	}
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, domain.Classify(domain.ClassFatal,
			fmt.Errorf("custody: invalid key for user %s: %w", userID, domain.ErrSigningFailed))
	}

	digest := ethcrypto.Keccak256(txBytes)
	sig, err := ethcrypto.Sign(digest, pk)
	if err != nil {
		return nil, domain.Classify(domain.ClassFatal,
			fmt.Errorf("custody: sign for user %s: %w: %w", userID, domain.ErrSigningFailed, err))
	}

	// go-ethereum returns v in {0,1}; the venue expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	signed := make([]byte, 0, len(txBytes)+len(sig))
	signed = append(signed, txBytes...)
	signed = append(signed, sig...)
	return signed, nil
}

// Address derives the user's wallet address from their stored key.
func (s *Signer) Address(userID string) (common.Address, error) {
	keyHex, err := s.keys.load(userID)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("custody: invalid key for user %s: %w", userID, domain.ErrSigningFailed)
	}
	return ethcrypto.PubkeyToAddress(pk.PublicKey), nil
}
