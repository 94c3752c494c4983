//go:build !linux

package devices

import (
	"errors"

	"github.com/pion/mediadevices"
)

var errUnsupportedPlatform = errors.New("device capture is only built for linux")

func newCodecSelector(int) (*mediadevices.CodecSelector, error) {
	return nil, errUnsupportedPlatform
}
