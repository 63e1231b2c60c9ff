// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Quarry's standard CBOR encoding configuration.
//
// All accounting RPC payloads are CBOR. Encoding uses Core
// Deterministic Encoding (RFC 8949 §4.2) so that the same logical
// message always produces identical bytes; decoding ignores unknown
// fields for forward compatibility between controller and daemon
// versions. Consumers import only this package, never fxamacker/cbor
// directly, so the configuration cannot drift between callers.
package codec
