package model

// TLSEngine is the TLS client of a single key. Ciphertext moves in and out
// through memory; the engine never touches the network.
//
// Methods are called from the session executor. Implementations may do work
// on their own goroutines and use a notification callback to ask the
// session to pump again.
type TLSEngine interface {
	// Start begins the handshake. The ClientHello becomes available
	// through PullCipherText.
	Start() error

	// IsConnected returns true once the handshake completed.
	IsConnected() bool

	// PutCipherText feeds bytes received in CONTROL_V1 payloads.
	PutCipherText(data []byte) error

	// PullCipherText returns the pending bytes to send, or nil.
	PullCipherText() ([]byte, error)

	// PutPlainText encrypts application data. It must only be called
	// after the handshake completed.
	PutPlainText(data []byte) error

	// PullPlainText returns decrypted application data, or nil.
	PullPlainText() ([]byte, error)

	// Close releases the engine.
	Close() error
}
