//go:build !ebiten

package ebiten

import (
	"fmt"

	"github.com/tormodlie/dmg01/dmg01/backend"
	"github.com/tormodlie/dmg01/dmg01/video"
)

// Backend stub for when the ebiten backend is not compiled in
type Backend struct{}

// New creates a stub ebiten backend that returns an error
func New() *Backend {
	return &Backend{}
}

// Init returns an error indicating the ebiten backend is not available
func (b *Backend) Init(config backend.BackendConfig) error {
	return fmt.Errorf("ebiten backend not available - build with -tags ebiten to enable")
}

// Update returns an error
func (b *Backend) Update(frame *video.FrameBuffer) ([]backend.InputEvent, error) {
	return nil, fmt.Errorf("ebiten backend not available")
}

// Cleanup does nothing
func (b *Backend) Cleanup() error {
	return nil
}
