package events

import (
	"sync"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/metrics"
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type defines the kind of a domain event.
type Type string

const (
	StateActivated     Type = "state_activated"
	StopMoved          Type = "stop_moved"
	StopTriggered      Type = "stop_triggered"
	StateCleaned       Type = "state_cleaned"
	PartialTakeProfit  Type = "partial_take_profit"
	OrderReplaceFailed Type = "order_replace_failed"
	PhaseAdvanced      Type = "phase_advanced"
)

// Event is a structured record of something the risk engine did.
type Event struct {
	ID           string       `json:"id"`
	Type         Type         `json:"type"`
	BotID        string       `json:"bot_id"`
	Symbol       string       `json:"symbol"`
	Time         time.Time    `json:"time"`
	Price        float64      `json:"price,omitempty"`
	PreviousStop float64      `json:"previous_stop,omitempty"`
	NewStop      float64      `json:"new_stop,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Phase        models.Phase `json:"phase,omitempty"`
}

// Emitter is what the engine core depends on to publish events.
type Emitter interface {
	Emit(event Event)
}

// Handler consumes events delivered by the Bus.
type Handler func(Event)

// Bus fans out events to subscribers on a single goroutine, so handlers
// observe events in emission order.
type Bus struct {
	eventChannel chan Event
	handlers     []Handler
	mu           sync.RWMutex
	stopChan     chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	logger       *zap.Logger
}

// NewBus creates a Bus with the given buffer size.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	return &Bus{
		eventChannel: make(chan Event, buffer),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger,
	}
}

// Subscribe registers a handler. Subscribe before Start.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start begins the dispatch loop.
func (b *Bus) Start() {
	go b.dispatchLoop()
	b.logger.Info("Event bus started.")
}

// Stop delivers the events already queued and shuts the loop down.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		<-b.done
		b.logger.Info("Event bus stopped.")
	})
}

// Emit enqueues an event without blocking. When the buffer is full the event
// is dropped and counted, so a slow consumer never stalls a risk cycle.
func (b *Bus) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case b.eventChannel <- event:
	default:
		metrics.EventsDropped.Inc()
		b.logger.Warn("Event bus full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("botId", event.BotID),
			zap.String("symbol", event.Symbol))
	}
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventChannel:
			b.dispatch(event)
		case <-b.stopChan:
			for {
				select {
				case event := <-b.eventChannel:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, event)
	}
}

func (b *Bus) safeCall(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", zap.Any("panic", r), zap.String("type", string(event.Type)))
		}
	}()
	h(event)
}

// Nop is an Emitter that discards everything.
var Nop Emitter = nopEmitter{}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}
