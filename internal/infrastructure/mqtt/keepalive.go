package mqtt

import (
	"sync"
	"time"
)

// keepaliveMonitor probes an idle connection with PINGREQ and reports a
// dead peer when PINGRESP does not arrive in time.
//
// One timer is active at any moment: either the write-idle timer or the
// response timer. While a ping is outstanding no further PINGREQ is sent.
// onTimeout runs at most once; the monitor stops itself before calling it.
type keepaliveMonitor struct {
	interval time.Duration
	timeout  time.Duration

	lastWrite func() time.Time
	sendPing  func() error
	onTimeout func()

	mu       sync.Mutex
	timer    *time.Timer
	awaiting bool
	stopped  bool
}

func newKeepaliveMonitor(interval, timeout time.Duration, lastWrite func() time.Time, sendPing func() error, onTimeout func()) *keepaliveMonitor {
	if timeout <= 0 {
		timeout = interval
	}
	return &keepaliveMonitor{
		interval:  interval,
		timeout:   timeout,
		lastWrite: lastWrite,
		sendPing:  sendPing,
		onTimeout: onTimeout,
	}
}

// Start arms the write-idle timer. A zero interval disables the monitor.
func (k *keepaliveMonitor) Start() {
	if k.interval <= 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped || k.timer != nil {
		return
	}
	k.timer = time.AfterFunc(k.interval, k.idleCheck)
}

// Stop cancels the active timer. It is safe to call more than once.
func (k *keepaliveMonitor) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopLocked()
}

func (k *keepaliveMonitor) stopLocked() {
	k.stopped = true
	if k.timer != nil {
		k.timer.Stop()
	}
}

// PingResponse cancels the outstanding response timer.
func (k *keepaliveMonitor) PingResponse() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped || !k.awaiting {
		return
	}
	k.awaiting = false
	k.timer.Stop()
	k.timer = time.AfterFunc(k.interval, k.idleCheck)
}

// Awaiting reports whether a PINGREQ is outstanding.
func (k *keepaliveMonitor) Awaiting() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.awaiting
}

func (k *keepaliveMonitor) idleCheck() {
	k.mu.Lock()
	if k.stopped || k.awaiting {
		k.mu.Unlock()
		return
	}

	idle := time.Since(k.lastWrite())
	if idle < k.interval {
		k.timer = time.AfterFunc(k.interval-idle, k.idleCheck)
		k.mu.Unlock()
		return
	}

	k.awaiting = true
	k.timer = time.AfterFunc(k.timeout, k.expire)
	k.mu.Unlock()

	// A failed send means the session is being torn down, which stops the monitor.
	_ = k.sendPing()
}

func (k *keepaliveMonitor) expire() {
	k.mu.Lock()
	if k.stopped || !k.awaiting {
		k.mu.Unlock()
		return
	}
	k.stopLocked()
	k.mu.Unlock()

	k.onTimeout()
}
