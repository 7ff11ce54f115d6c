package minitls

import (
	"errors"
	"fmt"
)

// ErrorKind separates the ways an upgrade can fail.
type ErrorKind int

const (
	KindProtocol ErrorKind = iota + 1
	KindAuthentication
	KindCrypto
	KindTransport
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindCrypto:
		return "crypto"
	case KindTransport:
		return "transport"
	case KindConfiguration:
		return "configuration"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by every failing handshake and by record processing once
// the connection is established. State is the handshake state the failure
// happened in; Alert is the alert sent or received, if any.
type Error struct {
	Kind  ErrorKind
	State HandshakeState
	Alert Alert
	Err   error
}

func (e *Error) Error() string {
	msg := "minitls: " + e.Kind.String() + " error"
	if e.State != 0 {
		msg += " in " + e.State.String()
	}
	if e.Alert != 0 {
		msg += " (" + e.Alert.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, alert Alert, format string, args ...any) *Error {
	return &Error{Kind: kind, Alert: alert, Err: fmt.Errorf(format, args...)}
}

func protocolError(alert Alert, format string, args ...any) *Error {
	return newError(KindProtocol, alert, format, args...)
}

func authenticationError(alert Alert, format string, args ...any) *Error {
	return newError(KindAuthentication, alert, format, args...)
}

func cryptoError(alert Alert, format string, args ...any) *Error {
	return newError(KindCrypto, alert, format, args...)
}

func configurationError(format string, args ...any) *Error {
	return newError(KindConfiguration, 0, format, args...)
}

// transportError wraps a failure of the raw connection; err is kept unchanged
// in the chain.
func transportError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindTransport, Err: err}
}

func remoteAlert(a Alert) *Error {
	return &Error{Kind: a.kind(), Alert: a, Err: &RemoteAlertError{Alert: a}}
}

// ErrorKindOf returns the kind of the first *Error in err's chain, or 0.
func ErrorKindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsProtocolError(err error) bool       { return ErrorKindOf(err) == KindProtocol }
func IsAuthenticationError(err error) bool { return ErrorKindOf(err) == KindAuthentication }
func IsCryptoError(err error) bool         { return ErrorKindOf(err) == KindCrypto }
func IsTransportError(err error) bool      { return ErrorKindOf(err) == KindTransport }
func IsConfigurationError(err error) bool  { return ErrorKindOf(err) == KindConfiguration }

// CertErrorType represents different types of certificate validation errors
type CertErrorType int

const (
	CertErrorInvalidChain CertErrorType = iota
	CertErrorSystemRoots
	CertErrorVerification
	CertErrorHostnameMismatch
	CertErrorExpired
	CertErrorUntrustedRoot
	CertErrorKeyMismatch
)

// CertificateError carries the reason a trust evaluator rejected a chain.
type CertificateError struct {
	Type    CertErrorType
	Message string
	Err     error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// AlertDescription returns the alert sent to the server for this error.
func (e *CertificateError) AlertDescription() Alert {
	switch e.Type {
	case CertErrorExpired:
		return alertCertificateExpired
	case CertErrorUntrustedRoot:
		return alertUnknownCA
	case CertErrorSystemRoots:
		return alertInternalError
	case CertErrorKeyMismatch:
		return alertUnsupportedCertificate
	default:
		return alertBadCertificate
	}
}
