package disk

import (
	"sync"
	"time"
)

// maintainer runs Flush and DoMandatoryIO in the background until the disk
// has nothing left to do. It wakes up on a ticker and whenever the disk kicks it.
type maintainer struct {
	d    *Disk
	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func startMaintenance(d *Disk, interval time.Duration) *maintainer {
	m := &maintainer{
		d:    d,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(interval)
	return m
}

func (m *maintainer) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// stop waits for a running round to finish. Safe on a nil maintainer.
func (m *maintainer) stop() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *maintainer) run(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.converge()
	}
}

// converge alternates flushing and mandatory I/O until both report nothing to do.
func (m *maintainer) converge() {
	for {
		select {
		case <-m.done:
			return
		default:
		}

		io, err := m.d.DoMandatoryIO()
		if err != nil {
			m.d.log.Warningf("background I/O for %s: %v", m.d.region, err)
			return
		}
		rc, err := m.d.Flush(0, false)
		if err != nil {
			m.d.log.Warningf("background flush for %s: %v", m.d.region, err)
			return
		}
		if io == DidNothing && !rc.Full() {
			return
		}
	}
}
