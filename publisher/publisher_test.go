package publisher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushgate/events"
	"github.com/apex/log"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
)

// recordingStore a replay.Buffer keeping appended events in memory
type recordingStore struct {
	lock     sync.Mutex
	sequence uint64
	stored   []events.Envelope
	failWith error
}

func (s *recordingStore) Append(
	_ context.Context, env events.Envelope,
) (events.Envelope, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failWith != nil {
		return env, s.failWith
	}
	s.sequence++
	stored := env.WithSequence(s.sequence)
	s.stored = append(s.stored, stored)
	return stored, nil
}

func (s *recordingStore) Recent(
	_ context.Context, topic events.Topic,
) ([]events.Envelope, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := []events.Envelope{}
	for _, env := range s.stored {
		if env.Topic() == topic {
			result = append(result, env)
		}
	}
	return result, nil
}

func TestPublisher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store := &recordingStore{}
	uut, err := GetPublisher(store, testclock.NewClock(now), "ut-publisher")
	assert.Nil(err)

	// Case 0: file update
	{
		env, err := uut.PublishFileUpdate(
			utCtxt, "F1", events.KindProcessingStarted, map[string]interface{}{"status": "processing"},
		)
		assert.Nil(err)
		assert.Equal(uint64(1), env.Sequence())
		assert.Equal(events.Topic("file_processing:F1"), env.Topic())
		frame, err := env.Frame()
		assert.Nil(err)
		assert.JSONEq(
			`{"event":"processing_started","status":"processing","file_uuid":"F1","timestamp":"2026-04-01T12:00:00Z"}`,
			string(frame),
		)
	}

	// Case 1: query update with missing fields is still published
	{
		env, err := uut.PublishQueryUpdate(utCtxt, "Q1", events.KindQueryFailed, nil)
		assert.Nil(err)
		assert.Equal(uint64(2), env.Sequence())
		assert.Equal([]string{"status", "error_message"}, events.MissingFields(env))
	}

	// Case 2: unknown kinds are still published
	{
		_, err := uut.PublishQueryUpdate(utCtxt, "Q1", "something_new", nil)
		assert.Nil(err)
	}

	// Case 3: invalid resource id
	{
		_, err := uut.PublishFileUpdate(utCtxt, "bad.id", events.KindProcessingStarted, nil)
		assert.NotNil(err)
		_, err = uut.PublishFileUpdate(utCtxt, "F1", "", nil)
		assert.NotNil(err)
		assert.Len(store.stored, 3)
	}

	// Case 4: store failure surfaces
	{
		store.failWith = fmt.Errorf("bus down")
		_, err := uut.PublishFileUpdate(utCtxt, "F1", events.KindProcessingCompleted, nil)
		assert.NotNil(err)
	}
}
