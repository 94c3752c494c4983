package devices

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Classify maps a capture failure to an error kind. Errno values from the
// drivers are checked first, then the text mediadevices and the platform
// layers are known to produce.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}
	var ce *domain.CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, syscall.EBUSY):
		return domain.KindDeviceBusy
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM), errors.Is(err, os.ErrPermission):
		return domain.KindPermissionDenied
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV), errors.Is(err, os.ErrNotExist):
		return domain.KindDeviceNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return domain.KindDeviceBusy
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not allowed"):
		return domain.KindPermissionDenied
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "unsupported"), strings.Contains(msg, "no supported"):
		return domain.KindConstraintUnsatisfied
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such device"), strings.Contains(msg, "no device"):
		return domain.KindDeviceNotFound
	}
	return domain.KindUnknown
}
