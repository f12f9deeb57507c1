package domain

import "encoding/json"

// SessionDescription is the JSEP object exchanged with the gateway.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// MediaDescription selects what the next SDP offer negotiates.
type MediaDescription struct {
	Audio        bool
	Video        bool
	DeviceID     string // exact device constraint for the video leg
	ReplaceAudio bool
	ReplaceVideo bool
	Data         bool
	Simulcast    bool
}

// NegotiationPayload is the application message sent to the relay plugin
// ahead of and together with the SDP offer.
type NegotiationPayload struct {
	Audio          bool    `json:"audio"`
	Video          bool    `json:"video"`
	ClockOffsetMs  float64 `json:"timedelta"`
	TargetFilename string  `json:"filename"`
}

// PluginMessage is an asynchronous event delivered by an attached plugin handle.
type PluginMessage struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
	JSEP   *SessionDescription
}
