//go:build !linux && !darwin && !windows

package appid

import "fmt"

type unsupportedResolver struct{}

func newPlatformResolver() Resolver { return &unsupportedResolver{} }

func (r *unsupportedResolver) Resolve(pid int32) (*Identity, error) {
	return nil, fmt.Errorf("appid: process resolution unsupported on this platform")
}
