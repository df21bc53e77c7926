package webrtc

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"callcore/native/internal/domain"
)

// classifyDeviceError maps a capture failure onto the media sentinels.
// Unrecognized errors are returned unchanged.
func classifyDeviceError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM),
		strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %w", domain.ErrDeviceBusy, err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV),
		strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %w", domain.ErrDeviceNotFound, err)
	default:
		return err
	}
}
