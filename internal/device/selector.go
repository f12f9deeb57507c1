// Package device picks the capture device a recording is bound to.
package device

import (
	"context"
	"strings"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
)

// preferredLabel marks the rear camera on the usual two-camera phone layout.
const preferredLabel = "back"

// ListVideoInputs returns the video inputs of the current hardware snapshot.
// Enumeration failures yield an empty list.
func ListVideoInputs(ctx context.Context, src domain.DeviceSource) []domain.Device {
	logger := xlog.WithComponent("device")

	devices, err := src.EnumerateDevices(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("device enumeration failed")
		return nil
	}

	var out []domain.Device
	for _, d := range devices {
		logger.Debug().Str("kind", string(d.Kind)).Str("label", d.Label).Str("id", d.ID).Msg("device")
		if d.Kind == domain.DeviceVideoInput {
			out = append(out, d)
		}
	}
	return out
}

// SelectDefault returns the first device's id, or the id of the device whose
// label contains "back" when there is one (the last such device wins).
func SelectDefault(devices []domain.Device) (string, error) {
	if len(devices) == 0 {
		return "", domain.ErrDeviceUnavailable
	}
	id := devices[0].ID
	for _, d := range devices {
		if strings.Contains(d.Label, preferredLabel) {
			id = d.ID
		}
	}
	return id, nil
}

// Selector re-runs enumeration and selection against one source.
type Selector struct {
	src domain.DeviceSource
}

// NewSelector creates a Selector over src.
func NewSelector(src domain.DeviceSource) *Selector {
	return &Selector{src: src}
}

// Select enumerates the video inputs and picks the default one.
func (s *Selector) Select(ctx context.Context) (string, error) {
	return SelectDefault(ListVideoInputs(ctx, s.src))
}

// List returns the current video inputs.
func (s *Selector) List(ctx context.Context) []domain.Device {
	return ListVideoInputs(ctx, s.src)
}
