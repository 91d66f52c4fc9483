package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/groutine"
	"github.com/srg/biomon/internal/reading"
	"github.com/srg/biomon/internal/ringchan"
)

const watchBuffer = 16

// Event is a connection edge observed by the watch poller
type Event struct {
	Connected bool
	Snapshot  reading.Snapshot
	At        time.Time
}

// Subscription delivers connection edge events until closed
type Subscription struct {
	id      uint64
	monitor *Monitor
	events  *ringchan.Chan[Event]
	once    sync.Once
}

// Events returns the event stream. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.events.C()
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.monitor.unwatch(s)
		s.events.Close()
	})
}

// Watch subscribes to connected/disconnected edges. The store is polled every
// WatchInterval while at least one subscription is open. A slow subscriber
// loses its oldest events rather than blocking the poller.
func (m *Monitor) Watch() *Subscription {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	sub := &Subscription{
		id:      m.nextID.Add(1),
		monitor: m,
		events:  ringchan.New[Event](watchBuffer),
	}
	m.watchers.Set(sub.id, sub)

	if m.pollCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.pollCancel = cancel
		m.pollDone = groutine.Go(ctx, "connection-watch", m.poll)
	}
	return sub
}

func (m *Monitor) unwatch(sub *Subscription) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	m.watchers.Del(sub.id)
	if m.watchers.Len() == 0 && m.pollCancel != nil {
		m.pollCancel()
		<-m.pollDone
		m.pollCancel, m.pollDone = nil, nil
	}
}

func (m *Monitor) poll(ctx context.Context) {
	ticker := time.NewTicker(m.opts.WatchInterval)
	defer ticker.Stop()

	prev := m.store.Current().Connected
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := m.store.Current()
			if snap.Connected == prev {
				continue
			}
			prev = snap.Connected

			ev := Event{Connected: snap.Connected, Snapshot: snap, At: now}
			m.watchers.Range(func(_ uint64, sub *Subscription) bool {
				if sub.events.Send(ev) {
					m.logger.WithFields(logrus.Fields{
						"subscription": sub.id,
						"pending":      sub.events.Len(),
					}).Debug("Watch subscriber lagging, dropped oldest event")
				}
				return true
			})
		}
	}
}
