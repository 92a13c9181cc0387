package crypto

import (
	"errors"
	"fmt"

	"github.com/loglineos/core/pkg/record"
)

var (
	// ErrHashMismatch — the stored curr_hash does not equal the re-derived
	// canonical hash. Fatal for the consuming operation.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrSignatureInvalid — the Ed25519 signature does not verify against
	// the record's public key.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// Seal computes curr_hash over r's canonical form (signature and curr_hash
// stripped) and signs the raw hash bytes. The record is mutated in place
// before insertion; sealed rows are immutable thereafter.
//
// public_key is part of the hashed content, so it is bound before the hash
// is derived. Callers must finalize every other field first: anything set
// after Seal returns makes the stored row fail verification.
func Seal(r *record.Record, signer Signer) error {
	r.PublicKey = signer.PublicKeyHex()
	digest, err := recordHash(r)
	if err != nil {
		return err
	}
	raw, err := HashToBytes(digest)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(raw)
	if err != nil {
		return fmt.Errorf("sign failed: %w", err)
	}
	r.CurrHash = digest
	r.Signature = sig
	return nil
}

// VerifyRow checks a record's cryptographic envelope: the re-derived
// hash must equal curr_hash, and the signature must verify against
// public_key. Records with no envelope pass; a half-filled envelope fails.
func VerifyRow(r *record.Record) error {
	if !r.HasProof() {
		if r.IncompleteProof() {
			return fmt.Errorf("%w: curr_hash and signature must be both present or both absent", ErrSignatureInvalid)
		}
		return nil
	}

	digest, err := recordHash(r)
	if err != nil {
		return err
	}
	if digest != r.CurrHash {
		return fmt.Errorf("%w: derived %s, stored %s", ErrHashMismatch, digest, r.CurrHash)
	}

	raw, err := HashToBytes(digest)
	if err != nil {
		return err
	}
	ok, err := Verify(r.PublicKey, r.Signature, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// recordHash hashes the canonical form of r with signature and curr_hash
// stripped. The copy keeps the caller's row untouched.
func recordHash(r *record.Record) (string, error) {
	stripped := *r
	stripped.Signature = ""
	stripped.CurrHash = ""
	return CanonicalHash(&stripped)
}
