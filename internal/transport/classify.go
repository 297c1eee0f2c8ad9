package transport

import (
	"errors"
	"strings"

	"github.com/MrWong99/voicewire/internal/fault"
)

// Transport error codes.
const (
	CodeAuthenticationFailed = "AuthenticationFailed"
	CodeNetworkTimeout       = "NetworkTimeout"
	CodeIceConnectionFailed  = "IceConnectionFailed"
	CodeDataChannelFailed    = "DataChannelFailed"
	CodeSdpNegotiationFailed = "SdpNegotiationFailed"
	CodeRegionNotSupported   = "RegionNotSupported"
	CodeConfigurationInvalid = "ConfigurationInvalid"
	CodeAudioTrackFailed     = "AudioTrackFailed"
)

// recoverableByCode maps each known code to whether tiered recovery applies.
var recoverableByCode = map[string]bool{
	CodeAuthenticationFailed: false,
	CodeNetworkTimeout:       true,
	CodeIceConnectionFailed:  true,
	CodeDataChannelFailed:    true,
	CodeSdpNegotiationFailed: false,
	CodeRegionNotSupported:   false,
	CodeConfigurationInvalid: false,
	CodeAudioTrackFailed:     true,
}

// ClassifiedError carries a pre-assigned transport code through error chains.
type ClassifiedError struct {
	Code string
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify maps err to a transport [fault.VoiceError]. An explicit
// [ClassifiedError] code wins; the name/message heuristics apply only when no
// code was assigned.
func Classify(err error) *fault.VoiceError {
	var verr *fault.VoiceError
	if errors.As(err, &verr) {
		return verr
	}

	code := ""
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		code = classified.Code
	} else {
		code = heuristicCode(err)
	}

	out := fault.Wrap(fault.DomainTransport, code, "transport operation failed", err)
	out.Recoverable = recoverableByCode[code]
	if code == CodeAuthenticationFailed {
		out.Domain = fault.DomainAuth
		out.Severity = fault.DefaultSeverity(fault.DomainAuth)
		out.Impact = fault.DefaultImpact(fault.DomainAuth)
	}
	return out
}

// heuristicCode guesses a code from the cause text. Applied only when the
// failure carried no explicit code.
func heuristicCode(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "authentication"):
		return CodeAuthenticationFailed
	case strings.Contains(msg, "ice"):
		return CodeIceConnectionFailed
	case strings.Contains(msg, "data channel"), strings.Contains(msg, "datachannel"):
		return CodeDataChannelFailed
	case strings.Contains(msg, "sdp"), strings.Contains(msg, "negotiation"):
		return CodeSdpNegotiationFailed
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline"):
		return CodeNetworkTimeout
	case strings.Contains(msg, "track"):
		return CodeAudioTrackFailed
	default:
		return CodeNetworkTimeout
	}
}
