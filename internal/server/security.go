package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// TLSListener represents a TLS-enabled network listener.
// It provides secure network connections using TLS certificates.
type TLSListener struct {
	certFileName       string
	privateKeyFileName string
}

// NewTLSListener creates a new TLSListener instance.
// It initializes a TLS listener with the specified certificate and private key files.
//
// Parameters:
//   - certFileName: Path to the TLS certificate file
//   - privateKeyFileName: Path to the private key file
//
// Returns a pointer to the newly created TLSListener instance.
func NewTLSListener(certFileName, privateKeyFileName string) *TLSListener {
	return &TLSListener{
		certFileName:       certFileName,
		privateKeyFileName: privateKeyFileName,
	}
}

// Listen creates a TLS-enabled network listener.
//
// Parameters:
//   - protocol: The network protocol ("tcp" or "unix")
//   - addr: The address to listen on
//
// Returns a TLS-enabled network listener or an error if setup fails.
func (l *TLSListener) Listen(protocol, addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(l.certFileName, l.privateKeyFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.Listen(protocol, addr, tlsConfig)
}

// PlainListener represents a plain (non-TLS) network listener.
// It provides unencrypted network connections.
type PlainListener struct{}

// NewPlainListener creates a new PlainListener instance.
func NewPlainListener() *PlainListener {
	return &PlainListener{}
}

// Listen creates an unencrypted listener on the specified address.
func (l *PlainListener) Listen(protocol, addr string) (net.Listener, error) {
	return net.Listen(protocol, addr)
}

// UnixListener listens on a unix socket readable only by its owner. The
// management API relies on the socket permissions when no admin token is
// configured.
type UnixListener struct {
	mode fs.FileMode
}

// NewUnixListener creates a UnixListener that chmods the socket to 0600.
func NewUnixListener() *UnixListener {
	return &UnixListener{mode: 0o600}
}

// Listen removes a stale socket file at addr and listens on it. protocol
// is ignored; unix sockets are always stream sockets here.
func (l *UnixListener) Listen(_ string, addr string) (net.Listener, error) {
	if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(addr, l.mode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return ln, nil
}
