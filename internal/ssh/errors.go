package ssh

import (
	"errors"
	"fmt"
)

// Result codes returned by Exec and ScpBytes. Every transport failure maps to
// StatusUnknownError; the accompanying error carries the detail.
const (
	StatusSuccess      = 0
	StatusUnknownError = -1
)

var (
	ErrMissingHost         = errors.New("ssh host is required")
	ErrNoAuthMethod        = errors.New("no ssh authentication method configured")
	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrConnectFailed       = errors.New("could not create ssh channel to host")
	ErrChannelInvalid      = errors.New("ssh channel failed validity test")
	ErrChannelClosed       = errors.New("ssh channel already cleaned up")
	ErrIdleTimeout         = errors.New("no output received from remote command within idle timeout")
	ErrNoExitStatus        = errors.New("remote command exited without an exit status")
	ErrTransferProtocol    = errors.New("scp handshake failed")
	ErrInvalidTransferArgs = errors.New("invalid file transfer arguments")
)

// ConnectError is returned once every connect attempt to a host has failed.
type ConnectError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %s after %d attempt(s): %v", ErrConnectFailed, e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailed, e.Err}
}

// TransferError describes a rejected scp acknowledgement.
type TransferError struct {
	// Stage names the handshake point that failed (start, header, payload).
	Stage string

	// Code is the acknowledgement byte, or -1 when the stream ended early.
	Code int

	// Message is the diagnostic line sent by the peer.
	Message string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s at %s (ack=%d): %s", ErrTransferProtocol, e.Stage, e.Code, e.Message)
}

func (e *TransferError) Unwrap() error {
	return ErrTransferProtocol
}
