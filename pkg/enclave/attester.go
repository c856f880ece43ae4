// Package enclave implements spec component C8: the enclave signing
// context, the Ed25519 challenge-response access policy, the monotonic
// state counter, and the notification registry. The dual Ed25519/ML-DSA65
// signing backend is grounded on the teacher's pkg/attest, generalized
// from a P2P peer identity to the enclave's own attested identity, which
// signs Quotes binding the secp256k1 transaction-signing key (spec §4.1,
// §4.8).
package enclave

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Scheme selects which signature algorithm backs an enclave's identity.
// Unlike the transaction-signing key (always secp256k1, pkg/crypto.Sign),
// this is the enclave's own attested identity key used for Quote/report.
type Scheme int

const (
	// SchemeEd25519 is the default, lightweight identity scheme.
	SchemeEd25519 Scheme = iota
	// SchemeMLDSA65 is the post-quantum alternative, grounded on the
	// teacher's mldsa65 identity backend.
	SchemeMLDSA65
)

func (s Scheme) String() string {
	switch s {
	case SchemeEd25519:
		return "ed25519"
	case SchemeMLDSA65:
		return "mldsa65"
	default:
		return "unknown"
	}
}

// ErrUnknownScheme is returned by NewAttester for an unrecognized Scheme.
var ErrUnknownScheme = errors.New("enclave: unknown identity scheme")

// Attester signs on behalf of the enclave's attested identity and exposes
// its public key for verification and quote construction.
type Attester interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// NewAttester generates a fresh identity keypair under the given scheme.
func NewAttester(scheme Scheme) (Attester, error) {
	switch scheme {
	case SchemeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ed25519 identity: %w", err)
		}
		return &ed25519Attester{public: pub, private: priv}, nil
	case SchemeMLDSA65:
		pub, priv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating mldsa65 identity: %w", err)
		}
		return &mldsaAttester{public: pub, private: priv}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownScheme, scheme)
	}
}

// VerifyAttestation checks sig over msg under a public key produced by the
// given scheme.
func VerifyAttestation(scheme Scheme, public, msg, sig []byte) bool {
	switch scheme {
	case SchemeEd25519:
		if len(public) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(public), msg, sig)
	case SchemeMLDSA65:
		pub, err := mldsa65.Scheme().UnmarshalBinaryPublicKey(public)
		if err != nil {
			return false
		}
		mlPub, ok := pub.(*mldsa65.PublicKey)
		if !ok {
			return false
		}
		return mldsa65.Verify(mlPub, msg, nil, sig)
	default:
		return false
	}
}

type ed25519Attester struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func (a *ed25519Attester) Scheme() Scheme    { return SchemeEd25519 }
func (a *ed25519Attester) PublicKey() []byte { return a.public }
func (a *ed25519Attester) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(a.private, msg), nil
}

type mldsaAttester struct {
	public  *mldsa65.PublicKey
	private *mldsa65.PrivateKey
}

func (a *mldsaAttester) Scheme() Scheme { return SchemeMLDSA65 }
func (a *mldsaAttester) PublicKey() []byte {
	b, err := a.public.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("marshalling mldsa65 public key: %w", err))
	}
	return b
}
func (a *mldsaAttester) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(a.private, msg, nil, true, sig); err != nil {
		return nil, fmt.Errorf("mldsa65 sign: %w", err)
	}
	return sig, nil
}
