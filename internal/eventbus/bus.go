package eventbus

import (
	"context"
	"sync"

	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// Bus fans status events out to per-kernel subscribers. It satisfies
// core.StatusSink.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.KernelID]map[chan schema.StatusEvent]struct{}
	all   map[chan schema.StatusEvent]struct{}
	last  map[schema.KernelID]schema.KernelStatus
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.KernelID]map[chan schema.StatusEvent]struct{}),
		all:   make(map[chan schema.StatusEvent]struct{}),
		last:  make(map[schema.KernelID]schema.KernelStatus),
		log:   logger,
		depth: 64,
	}
}

// Subscribe registers a subscriber for one kernel. An empty id subscribes to
// every kernel.
func (b *Bus) Subscribe(kernelID schema.KernelID) (<-chan schema.StatusEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.StatusEvent, b.depth)
	b.mu.Lock()
	if kernelID == "" {
		b.all[ch] = struct{}{}
	} else {
		set := b.subs[kernelID]
		if set == nil {
			set = make(map[chan schema.StatusEvent]struct{})
			b.subs[kernelID] = set
		}
		set[ch] = struct{}{}
	}
	b.mu.Unlock()
	b.log.With("kernel", kernelID).Debug("eventbus subscribe")
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if kernelID == "" {
				delete(b.all, ch)
			} else if set := b.subs[kernelID]; set != nil {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, kernelID)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.With("kernel", kernelID).Debug("eventbus unsubscribe")
		})
	}
}

// Last reports the most recent status published for the kernel.
func (b *Bus) Last(kernelID schema.KernelID) schema.KernelStatus {
	if b == nil {
		return schema.KernelUnknown
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last[kernelID]
}

// OnStatus publishes a status transition.
func (b *Bus) OnStatus(event schema.StatusEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[event.KernelID] = event.Status
	dropped := 0
	send := func(sub chan schema.StatusEvent) {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	for sub := range b.subs[event.KernelID] {
		send(sub)
	}
	for sub := range b.all {
		send(sub)
	}
	if dropped > 0 {
		b.log.With("kernel", event.KernelID).Trace("eventbus dropped", "count", dropped, "status", event.Status.String())
	}
}
