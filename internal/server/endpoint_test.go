package server

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/config"
	"github.com/dtroode/didkeeper/internal/mocks"
)

func TestNewEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.GRPC
		network   string
		addr      string
		local     bool
		wantLayer Listener
	}{
		{
			name:      "unix socket",
			cfg:       config.GRPC{Port: "3200", EnableHTTPS: true, UnixSocket: "/run/didkeeper.sock"},
			network:   "unix",
			addr:      "/run/didkeeper.sock",
			local:     true,
			wantLayer: &UnixListener{},
		},
		{
			name:      "tls",
			cfg:       config.GRPC{Port: "3200", EnableHTTPS: true, CertFileName: "cert.pem", PrivateKeyFileName: "key.pem"},
			network:   "tcp",
			addr:      ":3200",
			wantLayer: &TLSListener{},
		},
		{
			name:      "plain",
			cfg:       config.GRPC{Port: "3200"},
			network:   "tcp",
			addr:      ":3200",
			wantLayer: &PlainListener{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := NewEndpoint(tt.cfg)
			assert.Equal(t, tt.network, e.Network)
			assert.Equal(t, tt.addr, e.Addr)
			assert.Equal(t, tt.local, e.Local())
			assert.IsType(t, tt.wantLayer, e.Listener)
			assert.Equal(t, tt.network+"://"+tt.addr, e.String())
		})
	}
}

func TestEndpoint_Listen(t *testing.T) {
	t.Parallel()

	l := mocks.NewListener(t)
	l.On("Listen", "tcp", "127.0.0.1:9").Return(nil, assert.AnError).Once()

	_, err := Endpoint{Network: "tcp", Addr: "127.0.0.1:9", Listener: l}.Listen()
	assert.ErrorIs(t, err, assert.AnError)

	if runtime.GOOS == "windows" {
		return
	}
	sock := filepath.Join(t.TempDir(), "keeper.sock")
	ln, err := NewEndpoint(config.GRPC{UnixSocket: sock}).Listen()
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, sock, ln.Addr().String())
}
