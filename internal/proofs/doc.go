// Package proofs implements the signature primitives that sit at the release
// boundary: canonical encoding of a grant release request, EIP-191 message
// hashing, signing with a scholar agent key and recovery of the signer. The
// recovered signer is handed to the release core as an already verified
// Caller so the core only ever compares identities.
package proofs
