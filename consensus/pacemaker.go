package consensus

import (
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/libs/sync"
)

const (
	defaultBaseTimeout = 10 * time.Second
	defaultMaxTimeout  = 160 * time.Second
)

// timeoutInfo is what the pacemaker delivers when a height's leader stays
// silent past the deadline.
type timeoutInfo struct {
	Duration time.Duration `json:"duration"`
	Height   uint64        `json:"height"`
	Round    uint64        `json:"round"`
}

func (ti timeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d", ti.Duration, ti.Height, ti.Round)
}

// Pacemaker owns the leader timeout. Reset arms the timer for a height
// and round; the deadline doubles for every consecutive dummy commit and
// snaps back to the base on any non-dummy commit.
type Pacemaker struct {
	service.BaseService

	mtx     sync.Mutex
	base    time.Duration
	max     time.Duration
	backoff uint

	height uint64
	round  uint64
	last   time.Duration

	timer *time.Timer
	tock  chan timeoutInfo
}

func NewPacemaker(base, max time.Duration) *Pacemaker {
	if base <= 0 {
		base = defaultBaseTimeout
	}
	if max < base {
		max = defaultMaxTimeout
	}
	pm := &Pacemaker{
		base:  base,
		max:   max,
		timer: time.NewTimer(24 * time.Hour),
		tock:  make(chan timeoutInfo),
	}
	if !pm.timer.Stop() {
		<-pm.timer.C
	}
	pm.BaseService = *service.NewBaseService(nil, "Pacemaker", pacemakerService{pm})
	return pm
}

// pacemakerService adapts *Pacemaker to service.Service: Pacemaker's
// Reset(height, round) shadows the embedded BaseService.Reset() error,
// so the interface method is restored here.
type pacemakerService struct{ *Pacemaker }

func (ps pacemakerService) Reset() error { return ps.Pacemaker.BaseService.Reset() }

func (pm *Pacemaker) OnStart() error {
	go pm.timeoutRoutine()
	return nil
}

func (pm *Pacemaker) OnStop() {
	pm.mtx.Lock()
	pm.stopTimer()
	pm.mtx.Unlock()
}

// Chan delivers timeout events to the consensus receive routine.
func (pm *Pacemaker) Chan() <-chan timeoutInfo {
	return pm.tock
}

// Reset arms the timer for (height, round) with the current backoff
// applied.
func (pm *Pacemaker) Reset(height, round uint64) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()

	d := pm.base << pm.backoff
	if d > pm.max {
		d = pm.max
	}
	pm.height, pm.round, pm.last = height, round, d
	pm.stopTimer()
	pm.timer.Reset(d)
}

// Backoff doubles the next deadline. Called when a dummy block commits.
func (pm *Pacemaker) Backoff() {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	if pm.base<<(pm.backoff+1) <= pm.max {
		pm.backoff++
	}
}

// ResetBackoff restores the base deadline. Called when a non-dummy block
// commits.
func (pm *Pacemaker) ResetBackoff() {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.backoff = 0
}

// CurrentTimeout returns the duration most recently armed.
func (pm *Pacemaker) CurrentTimeout() time.Duration {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	return pm.last
}

func (pm *Pacemaker) stopTimer() {
	if !pm.timer.Stop() {
		select {
		case <-pm.timer.C:
		default:
		}
	}
}

func (pm *Pacemaker) timeoutRoutine() {
	for {
		select {
		case <-pm.Quit():
			return
		case <-pm.timer.C:
			pm.mtx.Lock()
			ti := timeoutInfo{Duration: pm.last, Height: pm.height, Round: pm.round}
			pm.mtx.Unlock()
			select {
			case pm.tock <- ti:
			case <-pm.Quit():
				return
			}
		}
	}
}
