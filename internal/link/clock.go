package link

import "time"

// Clock abstracts time so the state machine is deterministic under test.
// The production implementation delegates to the time package.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker is a cancellable periodic tick source.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTimer struct{ t *time.Timer }

func (st *systemTimer) C() <-chan time.Time { return st.t.C }
func (st *systemTimer) Stop() bool          { return st.t.Stop() }

type systemTicker struct{ t *time.Ticker }

func (st *systemTicker) C() <-chan time.Time { return st.t.C }
func (st *systemTicker) Stop()               { st.t.Stop() }

// timerC is a nil-safe accessor so an unarmed timer blocks forever in a
// select instead of firing.
func timerC(t Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func tickerC(t Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}

func stopTicker(t Ticker) {
	if t != nil {
		t.Stop()
	}
}
