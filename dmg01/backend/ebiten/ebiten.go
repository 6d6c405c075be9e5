//go:build ebiten

// Package ebiten implements the Backend interface on top of the ebiten
// game engine. Unlike sdl2 and terminal, ebiten owns its own run loop
// (ebiten.RunGame blocks the calling goroutine and drives Update/Draw
// itself), so this backend runs that loop on a dedicated goroutine and
// bridges it to the pull-style Backend.Update via a small mailbox: the
// emulator hands Update a freshly rendered frame, ebiten's Draw paints
// whatever frame is currently stored, and ebiten's Update collects key
// presses into a queue that Backend.Update drains and returns.
package ebiten

import (
	"fmt"
	"image/color"
	"log/slog"
	"sync"

	"github.com/tormodlie/dmg01/dmg01/audio"
	"github.com/tormodlie/dmg01/dmg01/backend"
	"github.com/tormodlie/dmg01/dmg01/debug"
	"github.com/tormodlie/dmg01/dmg01/display"
	"github.com/tormodlie/dmg01/dmg01/input/action"
	"github.com/tormodlie/dmg01/dmg01/input/event"
	"github.com/tormodlie/dmg01/dmg01/video"

	"github.com/hajimehoshi/ebiten/v2"
	ebaudio "github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
)

const sampleRate = 44100

// Backend implements the Backend interface using the ebiten game engine.
// Build with -tags ebiten, see build tags (ebiten) and the sdl2 sibling
// package for the equivalent SDL2-backed implementation.
type Backend struct {
	config        backend.BackendConfig
	debugProvider backend.DebugDataProvider

	game    *game
	started bool

	// Test pattern state
	testPatternFrame *video.FrameBuffer
	testPatternType  int
	testFrameCount   int

	// Snapshot state
	currentFrame *video.FrameBuffer

	// Audio
	audioCtx      *ebaudio.Context
	audioPlayer   *ebaudio.Player
	audioProvider audio.Provider
	audioStream   *apuStream
}

// New creates a new ebiten backend
func New() *Backend {
	return &Backend{}
}

// Init configures the backend and launches the ebiten run loop in the background
func (b *Backend) Init(config backend.BackendConfig) error {
	b.config = config
	b.debugProvider = config.DebugProvider
	b.audioProvider = config.AudioProvider

	scale := config.Scale
	if scale <= 0 {
		scale = display.DefaultPixelScale
	}

	b.game = newGame()

	ebiten.SetWindowTitle(config.Title)
	ebiten.SetWindowSize(video.FramebufferWidth*scale, video.FramebufferHeight*scale)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	if config.Fullscreen {
		ebiten.SetFullscreen(true)
	}
	ebiten.SetVsyncEnabled(config.VSync)

	if config.TestPattern {
		b.testPatternFrame = video.NewFrameBuffer()
		b.generateTestPattern(0)
	}

	if b.audioProvider != nil && !config.TestPattern {
		b.audioCtx = ebaudio.NewContext(sampleRate)
		b.audioStream = &apuStream{provider: b.audioProvider}
		player, err := b.audioCtx.NewPlayer(b.audioStream)
		if err != nil {
			slog.Warn("Failed to initialize ebiten audio player", "error", err)
		} else {
			b.audioPlayer = player
			b.audioPlayer.Play()
		}
	}

	// ebiten.RunGame blocks, so it must run off the goroutine that calls
	// Update/Cleanup every frame; the game struct is the only thing shared
	// between the two goroutines, guarded by its own mutex.
	go func() {
		if err := ebiten.RunGame(b.game); err != nil {
			slog.Error("ebiten run loop exited", "error", err)
		}
		b.game.setClosed()
	}()

	b.started = true
	slog.Info("ebiten backend initialized", "test_pattern", config.TestPattern)
	return nil
}

// Update submits a frame for rendering and returns input events collected since the last call
func (b *Backend) Update(frame *video.FrameBuffer) ([]backend.InputEvent, error) {
	if !b.started {
		return nil, fmt.Errorf("ebiten backend not initialized")
	}

	renderFrame := frame
	if b.config.TestPattern {
		b.testFrameCount++
		if b.testFrameCount%display.TestPatternAnimationFrames == 0 {
			b.animateTestPattern()
		}
		renderFrame = b.testPatternFrame
	}

	b.currentFrame = renderFrame
	b.game.setFrame(renderFrame)

	events := b.game.drainEvents()
	if b.game.isClosed() {
		events = append(events, backend.InputEvent{Action: action.EmulatorQuit, Type: event.Press})
	}

	for _, evt := range events {
		b.handleBackendAction(evt.Action)
	}

	return events, nil
}

// Cleanup tears down the ebiten window and audio resources
func (b *Backend) Cleanup() error {
	slog.Info("Cleaning up ebiten backend")
	if b.audioPlayer != nil {
		b.audioPlayer.Close()
	}
	if b.game != nil {
		b.game.requestClose()
	}
	return nil
}

func (b *Backend) handleBackendAction(act action.Action) {
	switch act {
	case action.EmulatorSnapshot:
		debug.TakeSnapshot(b.currentFrame, b.config.TestPattern, b.testPatternType)
	case action.EmulatorTestPatternCycle:
		if b.config.TestPattern {
			b.testPatternType = (b.testPatternType + 1) % display.TestPatternCount
			b.generateTestPattern(b.testPatternType)
		}
	case action.AudioToggleChannel1:
		b.toggleAndLog(1)
	case action.AudioToggleChannel2:
		b.toggleAndLog(2)
	case action.AudioToggleChannel3:
		b.toggleAndLog(3)
	case action.AudioToggleChannel4:
		b.toggleAndLog(4)
	case action.AudioSoloChannel1:
		b.soloAndLog(1)
	case action.AudioSoloChannel2:
		b.soloAndLog(2)
	case action.AudioSoloChannel3:
		b.soloAndLog(3)
	case action.AudioSoloChannel4:
		b.soloAndLog(4)
	}
}

func (b *Backend) toggleAndLog(channel int) {
	if b.audioProvider == nil {
		return
	}
	b.audioProvider.ToggleChannel(channel - 1)
	ch1, ch2, ch3, ch4 := b.audioProvider.GetChannelStatus()
	slog.Info("Toggled audio channel", "channel", channel, "ch1", ch1, "ch2", ch2, "ch3", ch3, "ch4", ch4)
}

func (b *Backend) soloAndLog(channel int) {
	if b.audioProvider == nil {
		return
	}
	b.audioProvider.SoloChannel(channel - 1)
	ch1, ch2, ch3, ch4 := b.audioProvider.GetChannelStatus()
	slog.Info("Solo audio channel", "channel", channel, "ch1", ch1, "ch2", ch2, "ch3", ch3, "ch4", ch4)
}

func (b *Backend) generateTestPattern(patternType int) {
	switch patternType {
	case 0: // Checkerboard
		for y := 0; y < video.FramebufferHeight; y++ {
			for x := 0; x < video.FramebufferWidth; x++ {
				color := video.WhiteColor
				if ((x/display.TestPatternTileSize)+(y/display.TestPatternTileSize))%2 != 0 {
					color = video.BlackColor
				}
				b.testPatternFrame.SetPixel(uint(x), uint(y), color)
			}
		}
	case 1: // Gradient
		for y := 0; y < video.FramebufferHeight; y++ {
			for x := 0; x < video.FramebufferWidth; x++ {
				var color video.GBColor
				switch x * 4 / video.FramebufferWidth {
				case 0:
					color = video.BlackColor
				case 1:
					color = video.DarkGreyColor
				case 2:
					color = video.LightGreyColor
				default:
					color = video.WhiteColor
				}
				b.testPatternFrame.SetPixel(uint(x), uint(y), color)
			}
		}
	case 2: // Vertical stripes
		for y := 0; y < video.FramebufferHeight; y++ {
			for x := 0; x < video.FramebufferWidth; x++ {
				color := video.WhiteColor
				if (x/display.TestPatternStripeWidth)%2 != 0 {
					color = video.DarkGreyColor
				}
				b.testPatternFrame.SetPixel(uint(x), uint(y), color)
			}
		}
	case 3: // Diagonal lines
		for y := 0; y < video.FramebufferHeight; y++ {
			for x := 0; x < video.FramebufferWidth; x++ {
				color := video.LightGreyColor
				if ((x+y)/display.TestPatternTileSize)%2 != 0 {
					color = video.DarkGreyColor
				}
				b.testPatternFrame.SetPixel(uint(x), uint(y), color)
			}
		}
	}
}

func (b *Backend) animateTestPattern() {
	frame := b.testFrameCount / display.TestPatternAnimationFrames
	switch b.testPatternType {
	case 2:
		for y := 0; y < video.FramebufferHeight; y++ {
			for x := 0; x < video.FramebufferWidth; x++ {
				color := video.WhiteColor
				if ((x+frame*display.TestPatternStripeSpeed)/display.TestPatternStripeWidth)%2 != 0 {
					color = video.DarkGreyColor
				}
				b.testPatternFrame.SetPixel(uint(x), uint(y), color)
			}
		}
	case 3:
		for y := 0; y < video.FramebufferHeight; y++ {
			for x := 0; x < video.FramebufferWidth; x++ {
				color := video.LightGreyColor
				if ((x+y+frame*display.TestPatternDiagonalSpeed)/display.TestPatternTileSize)%2 != 0 {
					color = video.DarkGreyColor
				}
				b.testPatternFrame.SetPixel(uint(x), uint(y), color)
			}
		}
	}
}

// apuStream adapts audio.Provider to ebiten's io.Reader-based audio.Player source
type apuStream struct {
	provider audio.Provider
}

func (s *apuStream) Read(p []byte) (int, error) {
	if len(p) < 4 || s.provider == nil {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	frames := len(p) / 4
	samples := s.provider.GetSamples(frames)

	// samples are interleaved stereo: left, right, left, right, ...
	i := 0
	for j := 0; j+1 < len(samples); j += 2 {
		if i+3 >= len(p) {
			break
		}
		l, r := uint16(samples[j]), uint16(samples[j+1])
		p[i] = byte(l)
		p[i+1] = byte(l >> 8)
		p[i+2] = byte(r)
		p[i+3] = byte(r >> 8)
		i += 4
	}
	for ; i < len(p); i++ {
		p[i] = 0
	}

	return len(p), nil
}

// game is the ebiten.Game adapter. It owns no emulator state directly;
// it only mirrors the latest frame and forwards key edges as InputEvents.
type game struct {
	mu     sync.Mutex
	frame  *video.FrameBuffer
	image  *ebiten.Image
	events []backend.InputEvent
	closed bool
}

func newGame() *game {
	return &game{
		image: ebiten.NewImage(video.FramebufferWidth, video.FramebufferHeight),
	}
}

func (g *game) setFrame(frame *video.FrameBuffer) {
	g.mu.Lock()
	g.frame = frame
	g.mu.Unlock()
}

func (g *game) drainEvents() []backend.InputEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	evts := g.events
	g.events = nil
	return evts
}

func (g *game) requestClose() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *game) setClosed() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *game) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// keyMapping maps ebiten keys to actions, mirroring the sdl2 backend's layout
var keyMapping = map[ebiten.Key]action.Action{
	ebiten.KeyEnter:  action.GBButtonStart,
	ebiten.KeyA:      action.GBButtonA,
	ebiten.KeyS:      action.GBButtonB,
	ebiten.KeyQ:      action.GBButtonSelect,
	ebiten.KeyUp:     action.GBDPadUp,
	ebiten.KeyDown:   action.GBDPadDown,
	ebiten.KeyLeft:   action.GBDPadLeft,
	ebiten.KeyRight:  action.GBDPadRight,
	ebiten.KeyT:      action.EmulatorTestPatternCycle,
	ebiten.KeyF11:    action.EmulatorDebugToggle,
	ebiten.KeyF12:    action.EmulatorSnapshot,
	ebiten.KeyEscape: action.EmulatorQuit,
	ebiten.KeySpace:  action.EmulatorPauseToggle,
	ebiten.KeyF1:     action.AudioToggleChannel1,
	ebiten.KeyF2:     action.AudioToggleChannel2,
	ebiten.KeyF3:     action.AudioToggleChannel3,
	ebiten.KeyF4:     action.AudioToggleChannel4,
	ebiten.KeyF5:     action.AudioSoloChannel1,
	ebiten.KeyF6:     action.AudioSoloChannel2,
	ebiten.KeyF7:     action.AudioSoloChannel3,
	ebiten.KeyF8:     action.AudioSoloChannel4,
}

func (g *game) Update() error {
	var newEvents []backend.InputEvent

	for key, act := range keyMapping {
		if inpututil.IsKeyJustPressed(key) {
			newEvents = append(newEvents, backend.InputEvent{Action: act, Type: event.Press})
		} else if inpututil.IsKeyJustReleased(key) {
			switch act {
			case action.GBButtonA, action.GBButtonB, action.GBButtonStart, action.GBButtonSelect,
				action.GBDPadUp, action.GBDPadDown, action.GBDPadLeft, action.GBDPadRight:
				newEvents = append(newEvents, backend.InputEvent{Action: act, Type: event.Release})
			}
		} else if ebiten.IsKeyPressed(key) {
			switch act {
			case action.GBButtonA, action.GBButtonB, action.GBButtonStart, action.GBButtonSelect,
				action.GBDPadUp, action.GBDPadDown, action.GBDPadLeft, action.GBDPadRight:
				newEvents = append(newEvents, backend.InputEvent{Action: act, Type: event.Hold})
			}
		}
	}

	if len(newEvents) > 0 {
		g.mu.Lock()
		g.events = append(g.events, newEvents...)
		g.mu.Unlock()
	}

	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	g.mu.Lock()
	frame := g.frame
	g.mu.Unlock()

	if frame == nil {
		screen.Fill(color.Black)
		return
	}

	pixels := make([]byte, video.FramebufferWidth*video.FramebufferHeight*4)
	data := frame.ToSlice()
	for i, gbPixel := range data {
		r, gg, bb, a := gbColorToRGBA(gbPixel)
		pixels[i*4] = r
		pixels[i*4+1] = gg
		pixels[i*4+2] = bb
		pixels[i*4+3] = a
	}
	g.image.WritePixels(pixels)
	screen.DrawImage(g.image, nil)
}

func (g *game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return video.FramebufferWidth, video.FramebufferHeight
}

func gbColorToRGBA(gbColor uint32) (r, g, b, a byte) {
	switch gbColor {
	case uint32(video.WhiteColor):
		return display.GrayscaleWhite, display.GrayscaleWhite, display.GrayscaleWhite, display.FullAlpha
	case uint32(video.LightGreyColor):
		return display.GrayscaleLightGray, display.GrayscaleLightGray, display.GrayscaleLightGray, display.FullAlpha
	case uint32(video.DarkGreyColor):
		return display.GrayscaleDarkGray, display.GrayscaleDarkGray, display.GrayscaleDarkGray, display.FullAlpha
	case uint32(video.BlackColor):
		return display.GrayscaleBlack, display.GrayscaleBlack, display.GrayscaleBlack, display.FullAlpha
	}
	red := byte((gbColor >> display.RGBARShift) & display.RGBAColorMask)
	return red, red, red, display.FullAlpha
}
