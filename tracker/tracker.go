package tracker

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/click-stream/ratecounter"
	"github.com/click-stream/tracker/common"
	"github.com/devopsext/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var log = utils.GetLog()

var errNoDispatcher = errors.New("dispatcher is not defined")

var trackerQueuedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_queued_count",
	Help: "Count of all events queued",
}, []string{"tracker_site_id"})

var trackerDroppedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_dropped_count",
	Help: "Count of all events dropped by the opt out gate",
}, []string{"tracker_site_id"})

var trackerDispatchedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_dispatched_count",
	Help: "Count of all events acknowledged by the collector",
}, []string{"tracker_site_id"})

var trackerDispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_dispatch_errors",
	Help: "Count of all failed dispatch cycles",
}, []string{"tracker_site_id"})

const (
	DefaultBatchSize        = 20
	DefaultDispatchInterval = 30

	defaultViewBase = "http://example.com"
)

type Options struct {
	SiteID           string
	Language         string
	BatchSize        int
	DispatchInterval int
}

type Tracker struct {
	options    Options
	queue      common.Queue
	dispatcher common.Dispatcher
	store      common.StateStore

	wg sync.WaitGroup

	mu          sync.Mutex
	state       common.State
	visitor     common.Visitor
	session     common.Session
	dimensions  []common.CustomDimension
	newSession  bool
	dispatching bool
	timer       *time.Timer
	closed      bool
	queueRate   *ratecounter.RateCounter
}

func NewTracker(options Options, queue common.Queue, dispatcher common.Dispatcher, store common.StateStore) (*Tracker, error) {

	if queue == nil {
		return nil, errors.New("queue is not defined")
	}
	if dispatcher == nil {
		return nil, errNoDispatcher
	}
	if store == nil {
		return nil, errors.New("state store is not defined")
	}

	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	if options.DispatchInterval <= 0 {
		options.DispatchInterval = DefaultDispatchInterval
	}

	state, err := store.Load()
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		options:    options,
		queue:      queue,
		dispatcher: dispatcher,
		store:      store,
		state:      state,
		queueRate:  ratecounter.NewRateCounter(time.Minute),
	}

	now := time.Now().UTC()

	if utils.IsEmpty(t.state.VisitorID) {

		t.state.VisitorID = uuid.New().String()
		t.state.FirstVisit = now
		log.Debug("New visitor %s for site %s", t.state.VisitorID, options.SiteID)
	}

	t.visitor = common.Visitor{
		ID:         t.state.VisitorID,
		FirstVisit: t.state.FirstVisit,
	}

	t.mu.Lock()
	t.startSession(now)
	t.armTimer()
	t.mu.Unlock()

	return t, nil
}

func (t *Tracker) StartNewSession() {

	t.mu.Lock()
	defer t.mu.Unlock()

	t.startSession(time.Now().UTC())
}

// mutex must be held
func (t *Tracker) startSession(now time.Time) {

	t.state.PreviousVisit = t.state.CurrentVisit
	t.state.CurrentVisit = now
	t.state.TotalVisits++

	t.session = common.Session{
		PreviousVisit: t.state.PreviousVisit,
		CurrentVisit:  t.state.CurrentVisit,
		TotalVisits:   t.state.TotalVisits,
	}
	t.newSession = true

	t.saveState()
}

// mutex must be held
func (t *Tracker) saveState() {

	if err := t.store.Save(t.state); err != nil {
		log.Error(err)
	}
}

func (t *Tracker) TrackView(path []string, viewURL string) {

	t.mu.Lock()
	defer t.mu.Unlock()

	if utils.IsEmpty(viewURL) {
		viewURL = defaultViewBase + "/" + strings.Join(path, "/")
	}

	event := t.newEvent()
	event.URL = viewURL
	event.ActionPath = path

	t.enqueue(event)
}

func (t *Tracker) TrackEvent(category string, action string, name string, value *float64) {

	t.mu.Lock()
	defer t.mu.Unlock()

	event := t.newEvent()
	event.EventCategory = category
	event.EventAction = action
	event.EventName = name
	event.EventValue = value

	t.enqueue(event)
}

// mutex must be held, the event snapshots identity and dimensions
func (t *Tracker) newEvent() *common.Event {

	dimensions := make([]common.CustomDimension, len(t.dimensions))
	copy(dimensions, t.dimensions)

	return &common.Event{
		ID:           uuid.New().String(),
		SiteID:       t.options.SiteID,
		Visitor:      t.visitor,
		Session:      t.session,
		Date:         time.Now().UTC(),
		Language:     t.options.Language,
		IsNewSession: t.newSession,
		Dimensions:   dimensions,
	}
}

// mutex must be held
func (t *Tracker) enqueue(event *common.Event) {

	if t.state.OptOut {

		log.Debug("Tracking is opted out, event %s dropped", event.ID)
		trackerDroppedCount.WithLabelValues(t.options.SiteID).Inc()
		return
	}

	if err := t.queue.Enqueue(event); err != nil {
		log.Error(err)
		return
	}

	// the new session flag only clears once an event reaches the queue
	t.newSession = false

	t.queueRate.Incr(1)
	trackerQueuedCount.WithLabelValues(t.options.SiteID).Inc()
}

func (t *Tracker) SetCustomDimension(index int, value string) {

	if index < 0 {
		log.Error("Custom dimension index %d is negative. Ignored.", index)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeDimension(index)
	t.dimensions = append(t.dimensions, common.CustomDimension{Index: index, Value: value})
}

func (t *Tracker) RemoveCustomDimension(index int) {

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeDimension(index)
}

// mutex must be held
func (t *Tracker) removeDimension(index int) {

	kept := t.dimensions[:0]
	for _, dimension := range t.dimensions {
		if dimension.Index != index {
			kept = append(kept, dimension)
		}
	}
	t.dimensions = kept
}

func (t *Tracker) OptOut() bool {

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state.OptOut
}

// opting out only prevents new events from entering the queue
func (t *Tracker) SetOptOut(optOut bool) {

	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.OptOut = optOut
	t.saveState()
}

func (t *Tracker) Dispatch() {

	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return
	}

	if t.dispatching {

		log.Debug("Dispatch is already running")
		t.mu.Unlock()
		return
	}

	count, err := t.queue.Count()
	if err != nil {

		log.Warn("Can't read queue size: %v", err)
		trackerDispatchErrors.WithLabelValues(t.options.SiteID).Inc()
		t.armTimer()
		t.mu.Unlock()
		return
	}

	if count == 0 {

		log.Info("Queue is empty, nothing to dispatch")
		t.armTimer()
		t.mu.Unlock()
		return
	}

	log.Debug("Dispatching %d events (queue rate %d/min)", count, t.queueRate.Rate())

	t.dispatching = true
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.drain()
	}()
}

// events leave the queue only after the collector acknowledged them
func (t *Tracker) drain() {

	for {
		batch, err := t.queue.FirstN(t.options.BatchSize)
		if err != nil {

			log.Warn("Can't read batch from queue: %v", err)
			trackerDispatchErrors.WithLabelValues(t.options.SiteID).Inc()
			break
		}

		if len(batch) == 0 {

			log.Info("Queue is drained")
			break
		}

		if err := t.dispatcher.Send(batch); err != nil {

			log.Warn("Can't send batch of %d events: %v", len(batch), err)
			trackerDispatchErrors.WithLabelValues(t.options.SiteID).Inc()
			break
		}

		if err := t.queue.Remove(batch); err != nil {

			log.Warn("Can't remove batch from queue: %v", err)
			trackerDispatchErrors.WithLabelValues(t.options.SiteID).Inc()
			break
		}

		trackerDispatchedCount.WithLabelValues(t.options.SiteID).Add(float64(len(batch)))
	}

	t.mu.Lock()
	t.dispatching = false
	t.armTimer()
	t.mu.Unlock()
}

// mutex must be held, re-armed whenever the engine goes idle
func (t *Tracker) armTimer() {

	if t.closed {
		return
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(time.Second*time.Duration(t.options.DispatchInterval), t.Dispatch)
}

// Close stops the retry timer and waits for an in-flight drain to finish.
func (t *Tracker) Close() error {

	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

func init() {
	prometheus.Register(trackerQueuedCount)
	prometheus.Register(trackerDroppedCount)
	prometheus.Register(trackerDispatchedCount)
	prometheus.Register(trackerDispatchErrors)
}
