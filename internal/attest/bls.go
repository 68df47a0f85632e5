package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature.
	SignatureSize = 96
)

// ErrNoSignatures is returned when aggregating an empty set.
var ErrNoSignatures = errors.New("no signatures to aggregate")

// dst is the domain separation tag for BLS signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair is a BLS12-381 key pair (public keys in G1, signatures in G2).
type KeyPair struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// DeriveFromED25519 derives the attestation key of a host from its
// ed25519 identity, so monitors need not manage a second secret.
func DeriveFromED25519(priv ed25519.PrivateKey) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte("vitra-attest-keygen"))
	h.Write(priv.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return KeyFromSeed(derived[:])
}

// GenerateKey creates a key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed creates a key pair from a seed of at least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes, got %d", len(seed))
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// verify checks a single signature.
func verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}

// aggregateSignatures combines signatures over the same message.
func aggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, ErrNoSignatures
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, b := range signatures {
		if len(b) != SignatureSize {
			return nil, fmt.Errorf("signature %d has %d bytes", i, len(b))
		}

		sig := new(blst.P2Affine).Uncompress(b)
		if sig == nil {
			return nil, fmt.Errorf("signature %d does not decode", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// verifyAggregated checks an aggregate signature over one message.
func verifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, b := range publicKeys {
		if len(b) != PublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(b)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, dst)
}

// signerBitmap marks the positions of signers in a monitor set.
func signerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// parseSignerBitmap returns the marked positions in ascending order.
func parseSignerBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := range 8 {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
