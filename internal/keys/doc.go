// Package keys turns a mnemonic phrase into a deterministic key tree and
// maps tree indices to secp256k1 key pairs and did:key identifiers.
//
// Everything here is a pure function of its inputs. Secret byte slices
// returned by this package belong to the caller, who zeroes them with the
// Zero methods as soon as they are no longer needed.
package keys
