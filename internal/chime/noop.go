package chime

// Noop satisfies the chime port when audible feedback is disabled.
type Noop struct{}

func (Noop) Play() {}
