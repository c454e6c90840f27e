package tcpweir

import "github.com/pkg/errors"

// TLSError classifies failures surfaced by a TLS adapter.
type TLSError int

const (
	TLSHandshakeError TLSError = iota
	TLSInvalidCertificate
	TLSProtocolError
)

func (e TLSError) String() string {
	switch e {
	case TLSHandshakeError:
		return "handshake error"
	case TLSInvalidCertificate:
		return "invalid certificate"
	case TLSProtocolError:
		return "protocol error"
	}
	return "unknown TLS error"
}

// TLSPolicy configures an encryption session. The concrete provider
// decides which fields it honors.
type TLSPolicy struct {
	// Hostname is the SNI name sent by a client and verified against
	// the peer certificate unless AllowInsecure is set.
	Hostname string

	// CertFile and KeyFile identify the local certificate pair.
	CertFile string
	KeyFile  string

	// CAFile overrides the system trust roots when non-empty.
	CAFile string

	// AllowInsecure skips peer certificate verification.
	AllowInsecure bool

	// ALPN lists the protocols offered during the handshake.
	ALPN []string
}

// TLSAdapter layers a TLS record protocol over a connection's raw byte
// stream. The adapter owns the handshake and alert lifecycle; the
// connection owns the socket. Ciphertext leaves through the write
// callback (which must synchronously call the raw socket writer) and
// decrypted plaintext arrives through the message callback.
//
// All methods are invoked on the connection's loop thread.
type TLSAdapter interface {
	// StartEncryption begins the handshake.
	StartEncryption()

	// RecvData drains newly received ciphertext from the buffer,
	// advancing the handshake and delivering any decrypted plaintext
	// through the message callback.
	RecvData(ciphertext *Buffer)

	// SendData encrypts plaintext. The return value is how many
	// plaintext bytes were accepted; ciphertext that the socket did
	// not take immediately stays buffered inside the adapter.
	SendData(plaintext []byte) int

	// SendBufferedData retries the buffered ciphertext against the
	// socket and reports whether it fully drained.
	SendBufferedData() bool

	// GetBufferedData exposes the ciphertext still waiting on the
	// socket.
	GetBufferedData() *Buffer

	// Close sends the close-notify alert.
	Close()

	SetWriteCallback(func(data []byte) int)
	SetErrorCallback(func(TLSError))
	SetHandshakeCallback(func())
	SetMessageCallback(func(*Buffer))
	SetCloseCallback(func())
}

// ErrTLSNotSupported is returned by StartEncryption when no TLS
// provider has been registered in this build.
var ErrTLSNotSupported = errors.New("TLS provider is not linked")

// ErrTLSAlreadyStarted is returned by StartEncryption when the
// connection is already encrypting.
var ErrTLSAlreadyStarted = errors.New("TLS is already started")

// TLSAdapterFactory builds an adapter for one connection.
type TLSAdapterFactory func(policy *TLSPolicy, isServer bool) (TLSAdapter, error)

var newTLSAdapter TLSAdapterFactory

// RegisterTLSProvider installs the adapter factory used by
// StartEncryption. A build that never calls it rejects encryption at
// runtime with ErrTLSNotSupported.
func RegisterTLSProvider(f TLSAdapterFactory) {
	newTLSAdapter = f
}
