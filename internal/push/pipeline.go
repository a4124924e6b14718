// Package push is the outbound half of the bridge: it watches the
// hub's state_changed bus, batches transitions for allowed entities,
// and delivers signed batches to the platform webhook. One pipeline
// runs per bridge instance.
package push

import (
	"log"
	"sync"
	"time"

	"github.com/smartly-home/smartly-bridge/internal/acl"
	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/format"
	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

const (
	// HeartbeatInterval is how often a solo heartbeat batch goes out.
	HeartbeatInterval = time.Minute

	EventStateChanged = "state_changed"
	EventHeartbeat    = "heartbeat"
)

// Event is one queued webhook event.
type Event struct {
	EventType string     `json:"event_type"`
	EntityID  string     `json:"entity_id,omitempty"`
	OldState  *StateView `json:"old_state,omitempty"`
	NewState  *StateView `json:"new_state,omitempty"`
	Timestamp string     `json:"timestamp"`
}

// StateView is the display-ready projection of a hub state.
type StateView struct {
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// HubEvents is the hub-adapter slice the pipeline needs: the event bus
// and the registry entry for allow-list checks.
type HubEvents interface {
	SubscribeStateChanges(fn func(hub.Event)) func()
	Entity(entityID string) (hub.EntityEntry, bool)
}

// Pipeline owns the buffer, the debounce timer, the heartbeat ticker
// and the single delivery worker. Events flow: bus callback appends
// under the lock and arms the timer; the timer swaps the buffer and
// hands the batch to the worker; the worker delivers batches in
// creation order, one in flight at a time.
type Pipeline struct {
	store   *config.Store
	events  HubEvents
	deliver *Deliverer
	mirror  *Mirror
	metrics *metrics.Collector

	mu         sync.Mutex
	buffer     []Event
	timerArmed bool
	timer      *time.Timer

	batchCh chan []Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	unsubscribe func()

	now func() time.Time
}

func NewPipeline(store *config.Store, events HubEvents, deliver *Deliverer, mirror *Mirror, m *metrics.Collector) *Pipeline {
	return &Pipeline{
		store:   store,
		events:  events,
		deliver: deliver,
		mirror:  mirror,
		metrics: m,
		batchCh: make(chan []Event, 16),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start subscribes to the bus and launches the worker and heartbeat.
func (p *Pipeline) Start() {
	p.unsubscribe = p.events.SubscribeStateChanges(p.onEvent)

	p.wg.Add(2)
	go p.worker()
	go p.heartbeatLoop()
}

// Stop unsubscribes, flushes the pending buffer best-effort (one
// delivery attempt, no retries) and waits for the worker to drain.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}

		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		pending := p.buffer
		p.buffer = nil
		p.timerArmed = false
		p.mu.Unlock()

		close(p.stopCh)
		p.wg.Wait()

		if len(pending) > 0 {
			if err := p.deliver.Attempt(pending); err != nil {
				log.Printf("[WARN] Push: final flush of %d events failed: %v", len(pending), err)
			}
		}
	})
}

// onEvent runs on the hub read loop; it must hand off fast. Events for
// unlabeled entities are dropped here so label edits apply immediately.
func (p *Pipeline) onEvent(ev hub.Event) {
	entry, ok := p.events.Entity(ev.EntityID)
	if !ok || !acl.IsEntityAllowed(&entry) {
		return
	}

	queued := Event{
		EventType: EventStateChanged,
		EntityID:  ev.EntityID,
		OldState:  stateView(ev.OldState),
		NewState:  stateView(ev.NewState),
		Timestamp: ev.TimeFired.UTC().Format(time.RFC3339Nano),
	}
	if ev.TimeFired.IsZero() {
		queued.Timestamp = p.now().UTC().Format(time.RFC3339Nano)
	}

	interval := time.Duration(p.store.Current().PushBatchInterval * float64(time.Second))

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer = append(p.buffer, queued)
	p.metrics.PushQueued(1)
	if !p.timerArmed {
		p.timerArmed = true
		p.timer = time.AfterFunc(interval, p.flush)
	}
}

// flush swaps the buffer for an empty one and queues the captured
// batch. Later events accumulate into the fresh buffer.
func (p *Pipeline) flush() {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.timerArmed = false
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	select {
	case p.batchCh <- batch:
	case <-p.stopCh:
	}
}

// worker delivers batches one at a time, preserving creation order.
func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case batch := <-p.batchCh:
			p.metrics.PushBatch()
			if err := p.deliver.Deliver(batch); err != nil {
				p.metrics.PushBatchDropped()
				log.Printf("[ERROR] Push: batch of %d events dropped: %v", len(batch), err)
				continue
			}
			p.mirror.Publish(batch)
		case <-p.stopCh:
			return
		}
	}
}

// heartbeatLoop emits a solo heartbeat batch on its own cadence. It
// never touches the state-change buffer or its debounce.
func (p *Pipeline) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			beat := []Event{{
				EventType: EventHeartbeat,
				Timestamp: p.now().UTC().Format(time.RFC3339Nano),
			}}
			select {
			case p.batchCh <- beat:
			case <-p.stopCh:
				return
			}
		case <-p.stopCh:
			return
		}
	}
}

// stateView formats a hub state for the platform: numeric state values
// and measurement attributes are rounded per the shared tables.
func stateView(s *hub.State) *StateView {
	if s == nil {
		return nil
	}
	view := &StateView{
		State:      format.StateForEntity(s.State, s.DeviceClass(), s.Unit()),
		Attributes: format.Attributes(s.Attributes),
	}
	if !s.LastChanged.IsZero() {
		view.LastChanged = s.LastChanged.UTC().Format(time.RFC3339Nano)
	}
	if !s.LastUpdated.IsZero() {
		view.LastUpdated = s.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return view
}
