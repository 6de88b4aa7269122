package metrics

import (
	"sort"
	"sync"
	"time"

	"fundingflow/logger"
)

// Kind tells consumers how to aggregate an Event.
type Kind string

const (
	Counter Kind = "counter"
	Gauge   Kind = "gauge"
)

// Event is a structured metric sample emitted alongside the Prometheus
// collectors, for sinks that only see logs or CloudWatch.
type Event struct {
	At        time.Time
	Component string
	Name      string
	Value     float64
	Kind      Kind
	Labels    logger.Fields
}

type subscriberSet struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]func(Event)
}

var subscribers = &subscriberSet{subs: map[uint64]func(Event){}}

// Subscribe delivers every subsequent Event to fn, synchronously on the
// emitting goroutine. The returned func removes the subscription.
func Subscribe(fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	subscribers.mu.Lock()
	subscribers.seq++
	id := subscribers.seq
	subscribers.subs[id] = fn
	subscribers.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			subscribers.mu.Lock()
			delete(subscribers.subs, id)
			subscribers.mu.Unlock()
		})
	}
}

func (s *subscriberSet) publish(ev Event) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// EmitMetric logs a metric line, publishes it to subscribers and forwards it
// to CloudWatch. Events without a name are ignored.
func EmitMetric(log *logger.Log, component, name string, value float64, kind Kind, labels logger.Fields) {
	if name == "" {
		return
	}
	if kind == "" {
		kind = Counter
	}
	if log == nil {
		log = logger.GetLogger()
	}

	ev := Event{
		At:        time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Kind:      kind,
		Labels:    make(logger.Fields, len(labels)),
	}
	line := make(logger.Fields, len(labels)+3)
	for k, v := range labels {
		ev.Labels[k] = v
		line[k] = v
	}
	line["metric"] = name
	line["metric_type"] = string(kind)
	line["value"] = value

	log.WithComponent(component).WithFields(line).Debug("metric")
	subscribers.publish(ev)
	logger.PublishMetric(component, name, value, ev.Labels)
}
