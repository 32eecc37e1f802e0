package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/juju/clock"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start begin calling the handler every interval. With oneShot, the handler
	// is called once.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stop the timer. The handler is not called again after Stop returns
	// unless a call was already in progress.
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	goutils.Component
	clk           clock.Clock
	rootContext   context.Context
	contextCancel context.CancelFunc
	running       bool
	lock          sync.Mutex
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
//
// The timer reads time from clk, so tests can drive it with a test clock.
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, clk clock.Clock, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   goutils.Component{LogTags: logTags},
		clk:         clk,
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.running {
		err := fmt.Errorf("timer already running")
		log.WithError(err).WithFields(t.LogTags).Error("Unable to start timer")
		return err
	}
	if interval <= 0 {
		return fmt.Errorf("invalid timer interval %s", interval)
	}
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	t.running = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		defer func() {
			t.lock.Lock()
			t.running = false
			t.lock.Unlock()
		}()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-t.clk.After(interval):
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
	}
	return nil
}
