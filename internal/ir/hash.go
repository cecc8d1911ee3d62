package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainClaim       = "settle/claim/v1"
	DomainFact        = "settle/fact/v1"
	DomainInstruction = "settle/instruction/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func keyObject(k FactKey) map[string]any {
	return map[string]any{
		"contributor_id": k.ContributorID,
		"period_id":      k.PeriodID,
		"points":         U64(k.Points),
	}
}

// ClaimID identifies one attester's claim for a key. The same attester
// submitting the same key twice produces the same ID.
func ClaimID(k FactKey, attesterID string) (string, error) {
	obj := keyObject(k)
	obj["attester_id"] = attesterID
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ClaimID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainClaim, canonical), nil
}

// FactID identifies an accepted fact. Attesters and acceptance time are
// excluded: the fact is "what was agreed", not "who agreed when".
func FactID(k FactKey) (string, error) {
	canonical, err := MarshalCanonical(keyObject(k))
	if err != nil {
		return "", fmt.Errorf("FactID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainFact, canonical), nil
}

// InstructionID identifies an outbound instruction. The attempt number is
// part of the identity so that a reconciliation retry is a new record.
func InstructionID(in Instruction) (string, error) {
	obj := map[string]any{
		"kind":           string(in.Kind),
		"transfer_id":    in.TransferID,
		"contributor_id": in.ContributorID,
		"period_id":      in.PeriodID,
		"amount":         U64(in.Amount),
		"destination":    in.Destination,
		"attempt":        in.Attempt,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("InstructionID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainInstruction, canonical), nil
}

// MustClaimID is like ClaimID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustClaimID(k FactKey, attesterID string) string {
	id, err := ClaimID(k, attesterID)
	if err != nil {
		panic(err)
	}
	return id
}

// MustFactID is like FactID but panics on error.
func MustFactID(k FactKey) string {
	id, err := FactID(k)
	if err != nil {
		panic(err)
	}
	return id
}

// MustInstructionID is like InstructionID but panics on error.
func MustInstructionID(in Instruction) string {
	id, err := InstructionID(in)
	if err != nil {
		panic(err)
	}
	return id
}
