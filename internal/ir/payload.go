package ir

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// OperationAckBatch is the operation type for acknowledgment batches.
const OperationAckBatch = "ack_batch"

// DefaultAckKind is the acknowledgment kind used when none is given.
const DefaultAckKind = "read"

// ErrInvalidPayload is returned for payloads that can never succeed.
var ErrInvalidPayload = errors.New("invalid payload")

// RecordRef is an opaque reference to a remote record, such as
// "chats/c1/messages/m1".
type RecordRef string

// AckPayload is everything needed to (re)apply an acknowledgment.
type AckPayload struct {
	Targets []RecordRef
	Actor   string
	Kind    string
}

// Normalize returns a copy with targets trimmed, de-duplicated and sorted,
// and the kind defaulted. Normalization makes logically identical requests
// hash identically regardless of target order.
func (p AckPayload) Normalize() AckPayload {
	seen := make(map[RecordRef]struct{}, len(p.Targets))
	targets := make([]RecordRef, 0, len(p.Targets))
	for _, t := range p.Targets {
		t = RecordRef(strings.TrimSpace(string(t)))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		targets = append(targets, t)
	}
	slices.Sort(targets)

	kind := strings.TrimSpace(p.Kind)
	if kind == "" {
		kind = DefaultAckKind
	}
	return AckPayload{
		Targets: targets,
		Actor:   strings.TrimSpace(p.Actor),
		Kind:    kind,
	}
}

// Validate reports whether the payload is well formed.
func (p AckPayload) Validate() error {
	if strings.TrimSpace(p.Actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidPayload)
	}
	if len(p.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidPayload)
	}
	return nil
}

// Object converts the payload to its canonical object form.
func (p AckPayload) Object() Object {
	targets := make(Array, len(p.Targets))
	for i, t := range p.Targets {
		targets[i] = String(t)
	}
	return Object{
		"actor":   String(p.Actor),
		"kind":    String(p.Kind),
		"targets": targets,
	}
}

// OperationID returns the identity of the normalized payload.
func (p AckPayload) OperationID() (string, error) {
	return OperationID(OperationAckBatch, p.Normalize().Object())
}

// WithTargets returns a copy of the payload restricted to targets.
func (p AckPayload) WithTargets(targets []RecordRef) AckPayload {
	return AckPayload{
		Targets: slices.Clone(targets),
		Actor:   p.Actor,
		Kind:    p.Kind,
	}
}

// AckPayloadFromObject decodes the canonical object form.
func AckPayloadFromObject(obj Object) (AckPayload, error) {
	var p AckPayload

	actor, ok := obj["actor"].(String)
	if !ok {
		return p, fmt.Errorf("%w: actor must be a string", ErrInvalidPayload)
	}
	p.Actor = string(actor)

	if kind, ok := obj["kind"].(String); ok {
		p.Kind = string(kind)
	}

	targets, ok := obj["targets"].(Array)
	if !ok {
		return p, fmt.Errorf("%w: targets must be an array", ErrInvalidPayload)
	}
	for i, t := range targets {
		s, ok := t.(String)
		if !ok {
			return p, fmt.Errorf("%w: targets[%d] must be a string", ErrInvalidPayload, i)
		}
		p.Targets = append(p.Targets, RecordRef(s))
	}
	return p, nil
}
