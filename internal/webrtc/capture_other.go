//go:build !linux || !cgo

package webrtc

import (
	"context"
	"errors"

	"callcore/native/internal/domain"

	"github.com/rs/zerolog"
)

// ErrNoDeviceCapture is returned by NewDeviceCapture on builds without
// pion/mediadevices drivers.
var ErrNoDeviceCapture = errors.New("device capture requires linux with cgo")

// DeviceCapture is unavailable on this platform; use SyntheticCapture.
type DeviceCapture struct{}

func NewDeviceCapture(_ *zerolog.Logger) (*DeviceCapture, error) {
	return nil, ErrNoDeviceCapture
}

func (*DeviceCapture) Acquire(_ context.Context, kind domain.MediaKind) (domain.LocalMedia, error) {
	return nil, &domain.MediaError{Kind: kind, Err: ErrNoDeviceCapture}
}
