// Package secret holds key material outside the Go heap.
//
// A Buffer is backed by an anonymous mmap region that is locked into RAM
// when the process is allowed to, excluded from core dumps, and zeroed on
// Close. The vault seed and password-derived keys live in Buffers so that
// every exit path, including errors, releases them with a deferred Close.
package secret
