package recorder

import (
	"context"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/eventconfig"
	"github.com/event-capture/eventcapture/log"
	"github.com/event-capture/eventcapture/task"
)

type producer struct {
	tabID string
	gen   int64
}

// Manager owns every live Recorder, keyed by tab and document generation.
// It only talks to the rest of the system through the bus.
type Manager struct {
	bus    *bus.Bus
	logger *log.Logger
	opts   Options
	now    func() int64

	// only touched from the loop goroutine
	config    eventconfig.Config
	recorders map[producer]*Recorder
}

// NewManager creates a manager that starts new recorders with cfg.
func NewManager(b *bus.Bus, cfg eventconfig.Config, logger *log.Logger, opts Options) *Manager {
	return &Manager{
		bus:       b,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       task.Now,
		config:    cfg,
		recorders: make(map[producer]*Recorder),
	}
}

// Start subscribes to the bus and handles messages until ctx is done. The
// subscription exists once Start returns.
func (m *Manager) Start(ctx context.Context) {
	sub := m.bus.Subscribe(ctx,
		bus.KindSensorReady,
		bus.KindSensorEvents,
		bus.KindStopRecorder,
		bus.KindNavigated,
		bus.KindConfigReloaded,
	)
	go func() {
		for msg := range sub.C() {
			m.handle(msg)
		}
		m.logger.Debugf("Manager:Start", "loop done: %v", ctx.Err())
	}()
}

func (m *Manager) handle(msg bus.Message) {
	switch msg := msg.(type) {
	case bus.SensorReady:
		m.onSensorReady(msg)
	case bus.SensorEvents:
		m.onSensorEvents(msg)
	case bus.StopRecorder:
		m.onStop(msg)
	case bus.Navigated:
		m.onNavigated(msg)
	case bus.ConfigReloaded:
		m.config = msg.Config
		for _, r := range m.recorders {
			r.Reconfigure(msg.Config)
		}
	}
}

func (m *Manager) onSensorReady(msg bus.SensorReady) {
	k := producer{msg.TabID, msg.Generation}
	r, ok := m.recorders[k]
	if ok && r.State() == StateArmed && r.TaskID() != msg.TaskID {
		// left over from a session that never stopped this document
		r.Stop()
		ok = false
	}
	if !ok || r.State() == StateStopped {
		r = New(msg.TabID, msg.Generation, m.config, m.bus, m.logger, m.opts)
		m.recorders[k] = r
	}
	if err := r.Arm(msg.TaskID); err != nil {
		m.logger.Warnf("Manager:onSensorReady", "tab:%s gen:%d: %v", msg.TabID, msg.Generation, err)
		return
	}
	m.logger.Debugf("Manager:onSensorReady", "tab:%s gen:%d task:%s reloaded:%t",
		msg.TabID, msg.Generation, msg.TaskID, msg.Reloaded)

	m.bus.Publish(bus.RecorderReady{TabID: msg.TabID, Generation: msg.Generation, TaskID: msg.TaskID})
}

func (m *Manager) onSensorEvents(msg bus.SensorEvents) {
	r, ok := m.recorders[producer{msg.TabID, msg.Generation}]
	if !ok || r.TaskID() != msg.TaskID {
		m.logger.Debugf("Manager:onSensorEvents", "tab:%s gen:%d task:%s no recorder, dropping %d events",
			msg.TabID, msg.Generation, msg.TaskID, len(msg.Events))
		return
	}
	for _, ev := range msg.Events {
		r.Handle(ev)
	}
}

func (m *Manager) onStop(msg bus.StopRecorder) {
	n := 0
	for k, r := range m.recorders {
		if r.TaskID() != msg.TaskID {
			continue
		}
		if r.State() == StateArmed {
			r.Stop()
			n++
		}
		delete(m.recorders, k)
	}
	m.bus.Publish(bus.FlushAck{TaskID: msg.TaskID, Recorders: n})
}

// onNavigated retires the previous documents of the tab. Their records are
// published before NavigationCommitted, so that the navigation record is
// appended after them and before anything from the new document.
func (m *Manager) onNavigated(msg bus.Navigated) {
	for k, r := range m.recorders {
		if k.tabID != msg.TabID || k.gen >= msg.Generation {
			continue
		}
		r.Stop()
		delete(m.recorders, k)
	}
	m.bus.Publish(bus.NavigationCommitted{TabID: msg.TabID, URL: msg.URL, Timestamp: m.now()})
}
