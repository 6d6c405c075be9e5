package dmg01

import (
	"github.com/tormodlie/dmg01/dmg01/debug"
	"github.com/tormodlie/dmg01/dmg01/input/action"
	"github.com/tormodlie/dmg01/dmg01/timing"
	"github.com/tormodlie/dmg01/dmg01/video"
)

// BackendEmulator is the surface a dmg01/backend.Backend drives: frame
// pacing, action input, and debug-data extraction. *Emulator satisfies it.
type BackendEmulator interface {
	RunUntilFrame() error
	GetCurrentFrame() *video.FrameBuffer
	HandleAction(act action.Action, pressed bool)
	ExtractDebugData() *debug.CompleteDebugData
	SetFrameLimiter(limiter timing.Limiter)
	ResetFrameTiming()
}

var _ BackendEmulator = (*Emulator)(nil)
