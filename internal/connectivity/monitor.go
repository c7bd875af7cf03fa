package connectivity

import (
	"context"
	"sync"
	"time"

	"subsync/internal/model"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

// RTT thresholds for the coarse quality tiers.
const (
	fastThreshold   = 150 * time.Millisecond
	mediumThreshold = 600 * time.Millisecond
)

// Prober checks upstream reachability and reports the round-trip time.
type Prober interface {
	Health(ctx context.Context) (time.Duration, error)
}

// Listener receives connectivity state changes.
type Listener func(old, new model.ConnectivityState)

// Monitor probes the upstream on a jittered interval and classifies the
// connection as offline, slow, medium or fast. Subscribers are notified on
// every transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *zap.Logger

	mu      sync.RWMutex
	state   model.ConnectivityState
	subs    map[int]Listener
	nextSub int

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMonitor(prober Prober, interval time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      log,
		state:    model.ConnectivityState{Online: false, Quality: model.QualityUnknown},
		subs:     make(map[int]Listener),
		stop:     make(chan struct{}),
	}
}

// Start begins probing. The first probe runs immediately so dependents see
// a real state before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	m.Probe(ctx)

	ticker := jitterbug.New(m.interval, &jitterbug.Norm{Stdev: m.interval / 10})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// State returns the current connectivity snapshot.
func (m *Monitor) State() model.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether the upstream was reachable at the last probe.
func (m *Monitor) Online() bool {
	return m.State().Online
}

// Quality returns the quality tier measured by the last probe.
func (m *Monitor) Quality() model.Quality {
	return m.State().Quality
}

// Subscribe registers a listener. The returned function unsubscribes it.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Probe performs one health check and updates the state.
func (m *Monitor) Probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	rtt, err := m.prober.Health(probeCtx)

	next := model.ConnectivityState{CheckedAt: time.Now()}
	if err != nil {
		next.Online = false
		next.Quality = model.QualityOffline
	} else {
		next.Online = true
		next.RTT = rtt
		next.Quality = Classify(rtt)
	}

	m.setState(next)
}

// Classify maps a round-trip time to a quality tier. A non-positive RTT
// means the signal was unusable.
func Classify(rtt time.Duration) model.Quality {
	switch {
	case rtt <= 0:
		return model.QualityUnknown
	case rtt <= fastThreshold:
		return model.QualityFast
	case rtt <= mediumThreshold:
		return model.QualityMedium
	default:
		return model.QualitySlow
	}
}

// EffectiveQuality resolves the unknown tier to medium for retry-policy
// decisions.
func EffectiveQuality(q model.Quality) model.Quality {
	if q == model.QualityUnknown {
		return model.QualityMedium
	}
	return q
}

func (m *Monitor) setState(next model.ConnectivityState) {
	m.mu.Lock()
	old := m.state
	changed := old.Online != next.Online || old.Quality != next.Quality
	m.state = next

	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(m.subs))
		for _, fn := range m.subs {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.log.Info("Connectivity changed",
		zap.Bool("online", next.Online),
		zap.String("quality", string(next.Quality)),
		zap.Duration("rtt", next.RTT),
	)

	for _, fn := range listeners {
		fn(old, next)
	}
}
