//go:build !(linux && cgo)

package call

import "errors"

// DeviceMediaProvider is a stub off Linux. Camera/mic capture via
// pion/mediadevices needs platform drivers (V4L2/malgo) that are only wired
// for Linux; other platforms run receive-only.
type DeviceMediaProvider struct{}

// NewDeviceMediaProvider returns the platform media provider.
func NewDeviceMediaProvider() *DeviceMediaProvider { return &DeviceMediaProvider{} }

// ErrNoCaptureSupport reports that local capture is unavailable on this
// platform.
var ErrNoCaptureSupport = errors.New("local media capture not supported on this platform")

func (p *DeviceMediaProvider) GetUserMedia(audio, video bool) (MediaStream, error) {
	return nil, ErrNoCaptureSupport
}
