package render

// Headless discards frames. It keeps the last one for inspection.
type Headless struct {
	Frames int
	Last   *Frame
	closed bool
}

func NewHeadless() *Headless { return &Headless{} }

func (h *Headless) Render(f *Frame) error {
	if h.closed {
		return ErrDeviceLost
	}
	h.Frames++
	h.Last = f
	return nil
}

func (h *Headless) Resize(int, int) {}

func (h *Headless) Close() error {
	h.closed = true
	return nil
}
