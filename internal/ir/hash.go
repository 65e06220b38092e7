package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows migrating the algorithm later.
const (
	DomainOperation = "acksync/operation/v1"
	DomainContent   = "acksync/content/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash computes the content-addressed identity of obj under domain.
func Hash(domain string, obj Object) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// OperationID computes the identity of a normalized operation payload.
// Two logically identical payloads always produce the same id.
func OperationID(operationType string, payload Object) (string, error) {
	return Hash(DomainOperation, Object{
		"operation_type": String(operationType),
		"payload":        payload,
	})
}

// MustOperationID is like OperationID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustOperationID(operationType string, payload Object) string {
	id, err := OperationID(operationType, payload)
	if err != nil {
		panic(err)
	}
	return id
}
