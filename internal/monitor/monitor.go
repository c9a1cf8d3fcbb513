package monitor

import (
	"strings"
	"sync"
	"time"

	"github.com/pageveil/pageveil/internal/dom"
	"github.com/pageveil/pageveil/internal/logger"
	"github.com/pageveil/pageveil/internal/mask"
	"go.uber.org/zap"

	"golang.org/x/net/html"
)

// significanceThreshold is the minimum trimmed text length an added node
// must carry before a mutation batch is worth a rescan.
const significanceThreshold = 3

// Config contains change monitor configuration
type Config struct {
	RescanDebounce time.Duration
}

// Monitor observes document mutations and schedules debounced rescans.
// Mutation batches arriving within the debounce window of a pending schedule
// reset the timer, so a burst collapses into one rescan. Monitoring pauses
// while the document is hidden: the subscription is dropped and pending
// timers cleared, without touching applied masks.
type Monitor struct {
	doc    *dom.Document
	cfg    Config
	fire   func()
	logger *logger.Logger

	mu       sync.Mutex
	batches  chan dom.MutationBatch
	timer    *time.Timer
	stopLoop chan struct{}
	enabled  bool // Start called, Stop not yet
	running  bool // currently subscribed (enabled and document visible)
	closed   bool
}

// New creates a change monitor. fire is invoked (on the timer goroutine)
// when the debounce window closes; the caller is expected to forward it to
// its own queue.
func New(doc *dom.Document, cfg Config, fire func(), log *logger.Logger) *Monitor {
	m := &Monitor{
		doc:    doc,
		cfg:    cfg,
		fire:   fire,
		logger: log,
	}
	doc.OnVisibilityChange(m.onVisibility)
	return m
}

// Start begins observing mutations. If the document is currently hidden the
// subscription waits until it becomes visible.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled || m.closed {
		return
	}
	m.enabled = true
	if m.doc.Visible() {
		m.connectLocked()
	}
}

// Stop halts observation and clears any pending timer. The monitor can be
// started again for a later activation episode.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.disconnectLocked()
}

// Close stops the monitor for good
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.closed = true
	m.disconnectLocked()
}

func (m *Monitor) connectLocked() {
	m.batches = m.doc.Subscribe()
	m.stopLoop = make(chan struct{})
	m.running = true
	go m.loop(m.batches, m.stopLoop)
	m.logger.Debug("Change monitor connected")
}

func (m *Monitor) disconnectLocked() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stopLoop)
	m.doc.Unsubscribe(m.batches)
	m.batches = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.logger.Debug("Change monitor disconnected")
}

func (m *Monitor) onVisibility(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.enabled {
		return
	}
	if visible && !m.running {
		m.connectLocked()
		return
	}
	if !visible && m.running {
		m.disconnectLocked()
	}
}

func (m *Monitor) loop(batches chan dom.MutationBatch, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			if IsSignificant(m.doc, batch) {
				m.schedule()
			}
		}
	}
}

// schedule arms the debounce timer, or pushes it out if already armed
func (m *Monitor) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.timer != nil {
		m.timer.Reset(m.cfg.RescanDebounce)
		return
	}
	m.timer = time.AfterFunc(m.cfg.RescanDebounce, func() {
		m.mu.Lock()
		fireable := m.running && !m.closed
		m.timer = nil
		m.mu.Unlock()
		if fireable {
			m.logger.Debug("Debounce window closed, requesting rescan",
				zap.Duration("debounce", m.cfg.RescanDebounce),
			)
			m.fire()
		}
	})
}

// IsSignificant reports whether a mutation batch warrants a rescan: at least
// one added node carrying non-trivial text that is not the masking engine's
// own output. Node inspection happens under the document read lock so it is
// safe against concurrent edits.
func IsSignificant(doc *dom.Document, batch dom.MutationBatch) bool {
	significant := false
	doc.ReadLocked(func() {
		for _, rec := range batch {
			if rec.Kind != dom.NodeAdded || rec.SelfInflicted {
				continue
			}
			if rec.Node.Type == html.ElementNode && mask.IsArtifact(rec.Node) {
				continue
			}
			if len(strings.TrimSpace(dom.TextContent(rec.Node))) > significanceThreshold {
				significant = true
				return
			}
		}
	})
	return significant
}
