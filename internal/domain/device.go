package domain

// DeviceKind mirrors the kinds reported by media device enumeration.
type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

// Device describes one capture or playback device.
type Device struct {
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
	ID    string     `json:"id"`
}
