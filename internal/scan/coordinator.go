package scan

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pageveil/pageveil/internal/dom"
	"github.com/pageveil/pageveil/internal/logger"
	"github.com/pageveil/pageveil/internal/mask"
	"github.com/pageveil/pageveil/internal/monitor"
	"github.com/pageveil/pageveil/internal/patterns"
	"github.com/pageveil/pageveil/internal/settings"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"golang.org/x/net/html"
)

// indicatorTTL is how long the on-page indicator stays visible
const indicatorTTL = 3 * time.Second

// Status is the externally visible coordinator state
type Status struct {
	Active         bool  `json:"active"`
	NodesProcessed int64 `json:"nodesProcessed"`
}

// EventKind classifies coordinator notifications
type EventKind string

const (
	EventMaskingToggled EventKind = "masking_toggled"
	EventDetection      EventKind = "detection"
	EventScanCompleted  EventKind = "scan_completed"
)

// Event is a coordinator notification pushed to the configured sink
type Event struct {
	Kind           EventKind      `json:"kind"`
	PageID         string         `json:"pageId,omitempty"`
	Active         bool           `json:"active"`
	Findings       []mask.Finding `json:"findings,omitempty"`
	NodesProcessed int64          `json:"nodesProcessed"`
}

// Recorder persists detection events. Implementations must tolerate being
// called from the coordinator goroutine and never block for long.
type Recorder interface {
	RecordDetections(pageID string, findings []mask.Finding)
}

// Config contains coordinator configuration
type Config struct {
	PageID               string
	Budget               dom.Budget
	ScanThrottleInterval time.Duration
	RescanDebounce       time.Duration
}

type msgKind int

const (
	msgSettingsChanged msgKind = iota
	msgRescan
	msgScanDue
	msgForceScan
	msgIndicatorExpire
)

type message struct {
	kind     msgKind
	settings settings.Settings
}

// Coordinator owns the activation state machine for one document. All
// scanning and masking happens on its single run goroutine, which consumes
// a message queue: mutation-driven rescans, timer firings, and control
// requests are processed strictly one at a time, so full scans and
// incremental rescans can never interleave.
type Coordinator struct {
	doc      *dom.Document
	store    *settings.Store
	engine   *mask.Engine
	mon      *monitor.Monitor
	cfg      Config
	logger   *logger.Logger
	notify   func(Event)
	recorder Recorder

	queue chan message
	stop  chan struct{}
	done  chan struct{}

	destroyed atomic.Bool
	activeNow atomic.Bool
	processedCount atomic.Int64

	timerMu        sync.Mutex
	throttleTimer  *time.Timer
	indicatorTimer *time.Timer

	// Everything below is owned by the run goroutine.
	active      bool
	current     settings.Settings
	registry    *patterns.Registry
	fingerprint string
	processed   map[*html.Node]struct{}
	limiter     *rate.Limiter
	scanPending bool
	indicator   *html.Node
}

// Option configures optional coordinator collaborators
type Option func(*Coordinator)

// WithEventSink routes coordinator events to fn
func WithEventSink(fn func(Event)) Option {
	return func(c *Coordinator) { c.notify = fn }
}

// WithRecorder persists detection events through r
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// New creates a coordinator for one document and starts its run goroutine.
// If the settings store already has masking enabled, activation happens
// immediately.
func New(doc *dom.Document, store *settings.Store, cfg Config, log *logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		doc:       doc,
		store:     store,
		engine:    mask.NewEngine(doc, log.WithComponent("mask")),
		cfg:       cfg,
		logger:    log.WithComponent("scan"),
		queue:     make(chan message, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		processed: make(map[*html.Node]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.current = store.Get()
	c.limiter = rate.NewLimiter(rate.Every(cfg.ScanThrottleInterval), 1)
	c.mon = monitor.New(doc, monitor.Config{RescanDebounce: cfg.RescanDebounce}, func() {
		c.post(message{kind: msgRescan})
	}, log.WithComponent("monitor"))

	store.Subscribe(func(s settings.Settings) {
		c.post(message{kind: msgSettingsChanged, settings: s})
	})

	go c.run()

	if c.current.MaskingEnabled {
		c.post(message{kind: msgSettingsChanged, settings: c.current})
	}
	return c
}

// Toggle flips masking through the settings store and returns the new state.
// The store notification drives the actual enable/disable.
func (c *Coordinator) Toggle() bool {
	next := c.store.SetMaskingEnabled(!c.store.Get().MaskingEnabled)
	return next.MaskingEnabled
}

// ForceScan requests a full-page scan, subject to throttling
func (c *Coordinator) ForceScan() {
	c.post(message{kind: msgForceScan})
}

// Status reports the activation state and the number of text leaves
// processed in the current activation episode
func (c *Coordinator) Status() Status {
	return Status{
		Active:         c.activeNow.Load(),
		NodesProcessed: c.processedCount.Load(),
	}
}

// Close tears the coordinator down: all pending timers are cancelled and
// observers detached before Close returns, so no scan or mask callback runs
// afterwards. Applied masks are left in place; call Toggle first to unmask.
func (c *Coordinator) Close() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	c.mon.Close()

	c.timerMu.Lock()
	if c.throttleTimer != nil {
		c.throttleTimer.Stop()
		c.throttleTimer = nil
	}
	if c.indicatorTimer != nil {
		c.indicatorTimer.Stop()
		c.indicatorTimer = nil
	}
	c.timerMu.Unlock()

	close(c.stop)
	<-c.done
}

// post enqueues a message unless the coordinator is destroyed
func (c *Coordinator) post(m message) {
	if c.destroyed.Load() {
		return
	}
	select {
	case c.queue <- m:
	case <-c.stop:
	default:
		// The queue never fills in practice; dropping beats deadlocking the
		// run goroutine when it posts its own continuation.
		c.logger.Warn("Coordinator queue full, dropping message", zap.Int("kind", int(m.kind)))
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case m := <-c.queue:
			if c.destroyed.Load() {
				return
			}
			c.handle(m)
		}
	}
}

func (c *Coordinator) handle(m message) {
	switch m.kind {
	case msgSettingsChanged:
		c.handleSettingsChanged(m.settings)
	case msgRescan:
		if c.active {
			c.runScanPass()
		}
	case msgScanDue:
		c.scanPending = false
		if c.active {
			c.runScanPass()
		}
	case msgForceScan:
		if c.active {
			c.requestScan()
		}
	case msgIndicatorExpire:
		c.hideIndicator()
	}
}

func (c *Coordinator) handleSettingsChanged(next settings.Settings) {
	prev := c.current
	c.current = next

	if next.MaskingEnabled && !c.active {
		c.enable()
		return
	}
	if !next.MaskingEnabled && c.active {
		c.disable()
		return
	}
	if !c.active {
		return
	}

	if fp := next.CategoryFingerprint(); fp != c.fingerprint {
		// A changed category set can both add matches to text we skipped and
		// leave stale masks from categories that are now off, so the whole
		// episode restarts: unmask, forget progress, scan again.
		c.logger.Info("Enabled category set changed, rescanning from scratch")
		c.engine.UnmaskAll()
		c.processed = make(map[*html.Node]struct{})
		c.processedCount.Store(0)
		c.fingerprint = fp
		c.deriveRegistry()
		c.requestScan()
		return
	}

	if next.MaskingStyle != prev.MaskingStyle || next.MaskingIntensity != prev.MaskingIntensity {
		updated := c.engine.Restyle(next.MaskingStyle, next.MaskingIntensity)
		c.logger.Debug("Restyled existing masks",
			zap.String("style", string(next.MaskingStyle)),
			zap.Int("intensity", next.MaskingIntensity),
			zap.Int("updated", updated),
		)
	}
}

func (c *Coordinator) enable() {
	c.active = true
	c.activeNow.Store(true)
	c.processed = make(map[*html.Node]struct{})
	c.processedCount.Store(0)
	c.fingerprint = c.current.CategoryFingerprint()
	c.deriveRegistry()
	c.showIndicator()
	c.mon.Start()
	c.requestScan()
	c.emit(Event{Kind: EventMaskingToggled, Active: true})
	c.logger.Info("Masking activated")
}

func (c *Coordinator) disable() {
	c.active = false
	c.activeNow.Store(false)
	c.scanPending = false
	c.mon.Stop()
	restored := c.engine.UnmaskAll()
	c.processed = make(map[*html.Node]struct{})
	c.processedCount.Store(0)
	c.hideIndicator()
	c.emit(Event{Kind: EventMaskingToggled, Active: false})
	c.logger.Info("Masking deactivated", zap.Int("restored", restored))
}

func (c *Coordinator) deriveRegistry() {
	c.registry = patterns.Derive(c.current)
	for _, diag := range c.registry.Diagnostics() {
		c.logger.Warn("Dropping invalid custom pattern",
			zap.String("pattern", diag.PatternName),
			zap.Error(diag.Err),
		)
	}
}

// requestScan asks for a full scan at the earliest legal time. Requests
// inside the throttle window are deferred, not dropped, and repeated
// requests coalesce into the single pending scan.
func (c *Coordinator) requestScan() {
	if c.scanPending {
		return
	}
	delay := c.limiter.Reserve().Delay()
	if delay <= 0 {
		c.runScanPass()
		return
	}

	c.scanPending = true
	c.timerMu.Lock()
	c.throttleTimer = time.AfterFunc(delay, func() {
		c.post(message{kind: msgScanDue})
	})
	c.timerMu.Unlock()
	c.logger.Debug("Scan deferred by throttle", zap.Duration("delay", delay))
}

// runScanPass walks the document once within the budget, masking every
// eligible leaf not yet processed this episode. If the budget ran out
// before the tree did, a continuation message is queued so other work can
// interleave between chunks.
func (c *Coordinator) runScanPass() {
	if c.registry == nil || c.registry.Empty() {
		return
	}

	c.pruneProcessed()
	c.engine.PruneDetached()

	root := c.doc.Body()
	if root == nil {
		root = c.doc.Root()
	}

	// Leaves handled earlier this episode are excluded up front so they do
	// not eat into the per-pass budget; otherwise a bounded pass restarting
	// from the body could never reach unprocessed leaves behind them.
	exclude := func(n *html.Node) bool {
		if mask.IsArtifact(n) {
			return true
		}
		if n.Type == html.TextNode {
			_, seen := c.processed[n]
			return seen
		}
		return false
	}
	walker := c.doc.Walk(root, exclude, c.cfg.Budget)

	var findings []mask.Finding
	visited := 0
	for {
		leaf, ok := walker.Next()
		if !ok {
			break
		}
		visited++

		outcome := c.engine.MaskLeaf(leaf, c.registry, c.current.MaskingStyle, c.current.MaskingIntensity)
		c.processed[leaf] = struct{}{}
		for _, nl := range outcome.NewLeaves {
			c.processed[nl] = struct{}{}
		}
		c.processedCount.Add(1)
		findings = append(findings, outcome.Findings...)
	}

	if len(findings) > 0 {
		c.emit(Event{
			Kind:           EventDetection,
			Findings:       findings,
			Active:         true,
			NodesProcessed: c.processedCount.Load(),
		})
		if c.recorder != nil {
			c.recorder.RecordDetections(c.cfg.PageID, findings)
		}
	}

	if !walker.Exhausted() {
		// Budget spent with tree remaining: yield and continue in a later
		// pass so queued control messages are not starved.
		c.scanPending = true
		c.post(message{kind: msgScanDue})
		return
	}

	c.emit(Event{
		Kind:           EventScanCompleted,
		Active:         true,
		NodesProcessed: c.processedCount.Load(),
	})
	c.logger.Debug("Scan pass completed",
		zap.Int("visited", visited),
		zap.Int64("total_processed", c.processedCount.Load()),
	)
}

// pruneProcessed drops entries for leaves no longer attached, so the set
// does not pin detached subtrees in memory
func (c *Coordinator) pruneProcessed() {
	for n := range c.processed {
		if !c.doc.Attached(n) {
			delete(c.processed, n)
		}
	}
}

func (c *Coordinator) showIndicator() {
	body := c.doc.Body()
	if body == nil || c.indicator != nil {
		return
	}
	el := &html.Node{Type: html.ElementNode, Data: "div"}
	dom.SetAttr(el, "class", mask.IndicatorClass)
	el.AppendChild(&html.Node{Type: html.TextNode, Data: "Masking active"})
	c.doc.AppendChild(body, el)
	c.indicator = el

	c.timerMu.Lock()
	c.indicatorTimer = time.AfterFunc(indicatorTTL, func() {
		c.post(message{kind: msgIndicatorExpire})
	})
	c.timerMu.Unlock()
}

func (c *Coordinator) hideIndicator() {
	if c.indicator == nil {
		return
	}
	c.doc.RemoveNode(c.indicator)
	c.indicator = nil

	c.timerMu.Lock()
	if c.indicatorTimer != nil {
		c.indicatorTimer.Stop()
		c.indicatorTimer = nil
	}
	c.timerMu.Unlock()
}

func (c *Coordinator) emit(e Event) {
	if c.notify == nil {
		return
	}
	e.PageID = c.cfg.PageID
	c.notify(e)
}
