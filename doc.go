// Package stashgate brokers access to an S3-compatible object store.
//
// It signs time-limited requests so file bytes move directly between the
// client and the store, coordinates multipart upload sessions for large
// files, and gates downloads behind layered fixed-window rate limits and
// single-use opaque tokens that hide the real storage key.
package stashgate
