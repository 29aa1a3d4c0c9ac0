package watcher

import "github.com/remote-agent-terminal/workspace/internal/model"

// coalescer merges same-path events that a consumer would handle the same
// way. Pending events keep their detection order.
type coalescer struct {
	pending []model.ChangeEvent
	index   map[string]int
}

func newCoalescer() *coalescer {
	return &coalescer{index: make(map[string]int)}
}

// add queues ev. If ev cannot be merged with the event already pending for
// its path, everything pending is returned for delivery first.
func (c *coalescer) add(ev model.ChangeEvent) []model.ChangeEvent {
	i, ok := c.index[ev.Path]
	if !ok {
		c.push(ev)
		return nil
	}

	if merged, ok := merge(c.pending[i], ev); ok {
		c.pending[i] = merged
		return nil
	}

	flushed := c.drain()
	c.push(ev)
	return flushed
}

// drain returns and clears everything pending.
func (c *coalescer) drain() []model.ChangeEvent {
	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = nil
	c.index = make(map[string]int)
	return out
}

func (c *coalescer) push(ev model.ChangeEvent) {
	c.index[ev.Path] = len(c.pending)
	c.pending = append(c.pending, ev)
}

// merge folds next into prev. A file that was created and then written is
// still new to a consumer; repeated events of one kind say nothing more.
func merge(prev, next model.ChangeEvent) (model.ChangeEvent, bool) {
	switch {
	case prev.Kind == next.Kind:
		return prev, true
	case prev.Kind == model.ChangeCreated && next.Kind == model.ChangeModified:
		return prev, true
	default:
		return model.ChangeEvent{}, false
	}
}
