package bridge

import (
	"crypto/ed25519"

	"github.com/nockpool/nockpool/pkg/errors"
)

// Signature is one validator's signature over a canonical message.
type Signature struct {
	Validator ed25519.PublicKey
	Bytes     []byte
}

// VerifyQuorum reports whether the signatures authorize the message under
// the given validator set and threshold. A validator counts at most once;
// signatures from keys outside the set are ignored. The verifier is pure:
// it reads nothing beyond its arguments.
func VerifyQuorum(validators []ed25519.PublicKey, threshold int, message []byte, sigs []Signature) error {
	if len(sigs) < threshold {
		return errors.New(errors.ErrorTypeInsufficientSignatures, "verify_quorum",
			"fewer signatures than threshold").
			WithContext("signatures", len(sigs)).
			WithContext("threshold", threshold)
	}

	inSet := make(map[string]bool, len(validators))
	for _, v := range validators {
		inSet[string(v)] = true
	}

	signed := make(map[string]bool, threshold)
	for _, sig := range sigs {
		key := string(sig.Validator)
		if !inSet[key] || signed[key] {
			continue
		}
		if len(sig.Validator) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(sig.Validator, message, sig.Bytes) {
			signed[key] = true
		}
	}

	if len(signed) < threshold {
		return errors.New(errors.ErrorTypeInsufficientSignatures, "verify_quorum",
			"not enough valid unique signers").
			WithContext("valid_signers", len(signed)).
			WithContext("threshold", threshold)
	}
	return nil
}
