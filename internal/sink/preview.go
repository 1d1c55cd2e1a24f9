package sink

import (
	"fmt"
	"sync/atomic"

	"github.com/visiona/dvbridge/internal/types"
)

// Preview adapts a PreviewSurface into a per-session frame sink. It exists
// so the surface outlives sessions while the renderer is created and
// destroyed with each one.
type Preview struct {
	surface  PreviewSurface
	profile  types.MediaProfile
	rendered atomic.Uint64
}

// NewPreview binds a renderer for one session to the configured surface.
func NewPreview(surface PreviewSurface, profile types.MediaProfile) (*Preview, error) {
	if surface == nil {
		return nil, fmt.Errorf("no preview surface configured")
	}
	return &Preview{surface: surface, profile: profile}, nil
}

func (p *Preview) HandleFrame(pts int64, data []byte) error {
	if err := p.surface.RenderFrame(pts, data); err != nil {
		return fmt.Errorf("render frame: %w", err)
	}
	p.rendered.Add(1)
	return nil
}

// Rendered returns the number of frames forwarded to the surface.
func (p *Preview) Rendered() uint64 {
	return p.rendered.Load()
}

func (p *Preview) Close() error {
	return nil
}
