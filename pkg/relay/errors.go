package relay

import "fmt"

// FaultKind classifies session failures.
type FaultKind int

// Fault kinds.
const (
	// FaultTransport: a connection dropped or carried a malformed frame. Fatal.
	FaultTransport FaultKind = iota
	// FaultCredential: the engine has no credential. Fatal before connecting.
	FaultCredential
	// FaultDecode: an audio chunk could not be decoded. The chunk is dropped.
	FaultDecode
)

func (k FaultKind) String() string {
	switch k {
	case FaultTransport:
		return "transport"
	case FaultCredential:
		return "credential"
	case FaultDecode:
		return "decode"
	}
	return "unknown"
}

// Fatal reports whether the fault ends the session.
func (k FaultKind) Fatal() bool {
	return k != FaultDecode
}

// Fault is a classified session failure.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("relay: %s fault: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// ClientMessage is the text sent downstream in the error message.
func (f *Fault) ClientMessage() string {
	switch f.Kind {
	case FaultCredential:
		return "engine credential missing on server"
	default:
		return "connection problem"
	}
}
