// Package ir provides the canonical value representation used for
// content-addressed identity in acksync.
//
// Every other internal package may import ir; ir imports nothing internal.
//
// Key constraints:
//   - No float values anywhere. Numbers are int64.
//   - Canonical JSON follows RFC 8785 (UTF-16 key order, NFC strings, no HTML escaping).
//   - Identities are SHA-256 over a versioned domain prefix, a 0x00 separator and
//     the canonical bytes. Timestamps never participate in an identity.
package ir
