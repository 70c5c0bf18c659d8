package render

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/core/ecs"
)

// Pipeline extracts a frame from the World and hands it to a backend. Its
// Render method is the loop's render callback.
type Pipeline struct {
	world     *ecs.World
	extractor *Extractor
	backend   Renderer
	log       *zap.Logger
}

func NewPipeline(world *ecs.World, extractor *Extractor, backend Renderer, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{world: world, extractor: extractor, backend: backend, log: log}
}

func (p *Pipeline) Render(alpha float64) error {
	f, err := p.extractor.Extract(p.world, alpha)
	if err != nil {
		return fmt.Errorf("extract frame: %w", err)
	}
	if err := p.backend.Render(f); err != nil {
		return fmt.Errorf("render frame %d: %w", f.Index, err)
	}
	return nil
}

// Resize forwards a viewport change to the extractor and the backend.
func (p *Pipeline) Resize(width, height int) {
	p.log.Debug("viewport resized", zap.Int("width", width), zap.Int("height", height))
	p.extractor.SetViewport(width, height)
	p.backend.Resize(width, height)
}

func (p *Pipeline) Close() error { return p.backend.Close() }
