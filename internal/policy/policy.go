// Package policy decides what an SDP offer negotiates.
package policy

import (
	"net/url"

	"camrelay/native/internal/domain"
)

// SimulcastRequested reports whether the caller opted into simulcast with
// simulcast=yes or simulcast=true.
func SimulcastRequested(query url.Values) bool {
	switch query.Get("simulcast") {
	case "yes", "true":
		return true
	}
	return false
}

// BuildMediaDescription describes a video-only leg bound to deviceID. Audio
// stays with the local recording and is not sent to the relay.
func BuildMediaDescription(deviceID string, simulcast, isRenegotiation bool) domain.MediaDescription {
	return domain.MediaDescription{
		Audio:        false,
		Video:        true,
		DeviceID:     deviceID,
		ReplaceAudio: false,
		ReplaceVideo: isRenegotiation,
		Data:         true,
		Simulcast:    simulcast,
	}
}

// BuildPayload assembles the application message for the relay. Its media
// declarations follow desc so the two never disagree.
func BuildPayload(desc domain.MediaDescription, clockOffsetMs float64, targetFilename string) domain.NegotiationPayload {
	return domain.NegotiationPayload{
		Audio:          desc.Audio,
		Video:          desc.Video,
		ClockOffsetMs:  clockOffsetMs,
		TargetFilename: targetFilename,
	}
}
