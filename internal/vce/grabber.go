package vce

import "errors"

// ErrNoGrabber means this build carries no screen capture driver.
var ErrNoGrabber = errors.New("vce: no frame grabber available on this build")

// NewPlatformGrabber returns the screen grabber for this build. The capture
// driver is supplied by the platform packaging layer; plain builds have
// none, and the visual capture engine stays disabled without one.
func NewPlatformGrabber() (FrameGrabber, error) {
	return nil, ErrNoGrabber
}
