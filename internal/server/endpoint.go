package server

import (
	"net"

	"github.com/dtroode/didkeeper/internal/config"
)

// Listener opens a network listener.
type Listener interface {
	Listen(network, addr string) (net.Listener, error)
}

// Endpoint is the socket the keeper API is served on.
type Endpoint struct {
	Network  string
	Addr     string
	Listener Listener
}

// NewEndpoint picks the endpoint of cfg. A unix socket wins over TCP; TCP
// is wrapped in TLS when enabled.
func NewEndpoint(cfg config.GRPC) Endpoint {
	if cfg.UnixSocket != "" {
		return Endpoint{Network: "unix", Addr: cfg.UnixSocket, Listener: NewUnixListener()}
	}
	addr := net.JoinHostPort("", cfg.Port)
	if cfg.EnableHTTPS {
		return Endpoint{Network: "tcp", Addr: addr, Listener: NewTLSListener(cfg.CertFileName, cfg.PrivateKeyFileName)}
	}
	return Endpoint{Network: "tcp", Addr: addr, Listener: NewPlainListener()}
}

// Listen opens the endpoint.
func (e Endpoint) Listen() (net.Listener, error) {
	return e.Listener.Listen(e.Network, e.Addr)
}

// Local reports whether only processes of this host can reach the
// endpoint.
func (e Endpoint) Local() bool {
	return e.Network == "unix"
}

func (e Endpoint) String() string {
	return e.Network + "://" + e.Addr
}
