package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	luxcrypto "github.com/luxfi/crypto"
)

// ErrInvalidPoint is returned when a peer-supplied public key does not lie
// on the secp256k1 curve.
var ErrInvalidPoint = errors.New("crypto: point is not on secp256k1")

// DHKeyPair is a secp256k1 keypair used both for ratchet-tree node keys and
// for deriving node secrets via tweak_mul-style scalar multiplication.
type DHKeyPair struct {
	Private *ecdsa.PrivateKey
	Public  []byte // uncompressed X9.62 encoding
}

// GenerateDH produces a fresh secp256k1 keypair, looping until the private
// scalar is a valid non-zero group element (spec §4.1). luxcrypto.GenerateKey
// already rejects zero/out-of-range scalars internally; the loop here exists
// only to make that contract explicit and to survive a future relaxation of
// that guarantee.
func GenerateDH() (*DHKeyPair, error) {
	for {
		priv, err := luxcrypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating secp256k1 key: %w", err)
		}
		if priv.D.Sign() == 0 {
			continue
		}
		return &DHKeyPair{
			Private: priv,
			Public:  luxcrypto.FromECDSAPub(&priv.PublicKey),
		}, nil
	}
}

// MarshalPrivate returns the 32-byte big-endian scalar.
func (k *DHKeyPair) MarshalPrivate() []byte {
	return luxcrypto.FromECDSA(k.Private)
}

// RestoreDH reconstructs a keypair from its marshaled scalar.
func RestoreDH(priv []byte) (*DHKeyPair, error) {
	key, err := luxcrypto.ToECDSA(priv)
	if err != nil {
		return nil, fmt.Errorf("restoring secp256k1 key: %w", err)
	}
	return &DHKeyPair{Private: key, Public: luxcrypto.FromECDSAPub(&key.PublicKey)}, nil
}

// TweakMul performs public-key scalar multiplication: result = scalar * public.
// This is the secp256k1 "tweak_mul" operation spec §4.1 builds node_secret
// derivation on top of.
func TweakMul(public []byte, scalar *big.Int) ([]byte, error) {
	pub, err := luxcrypto.UnmarshalPubkey(public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	curve := luxcrypto.S256()
	x, y := curve.ScalarMult(pub.X, pub.Y, scalar.Bytes())
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	point := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	return luxcrypto.FromECDSAPub(point), nil
}

// ECDH runs TweakMul(remote, priv.D) and returns the resulting point's
// compressed X9.62 encoding, the input to node_secret derivation.
func (k *DHKeyPair) ECDH(remotePublic []byte) ([]byte, error) {
	shared, err := TweakMul(remotePublic, k.Private.D)
	if err != nil {
		return nil, err
	}
	return elliptic.MarshalCompressed(luxcrypto.S256(), pointX(shared), pointY(shared)), nil
}

func pointX(uncompressed []byte) *big.Int {
	return new(big.Int).SetBytes(uncompressed[1:33])
}

func pointY(uncompressed []byte) *big.Int {
	return new(big.Int).SetBytes(uncompressed[33:65])
}
