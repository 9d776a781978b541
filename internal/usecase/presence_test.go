package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type publishLog struct {
	mu  sync.Mutex
	got []bool
}

func (p *publishLog) publish(typing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, typing)
}

func (p *publishLog) values() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.got...)
}

func TestTypingDebouncer_PublishesTransitionsOnly(t *testing.T) {
	log := &publishLog{}
	d := NewTypingDebouncer(30*time.Millisecond, log.publish)

	d.Keystroke()
	d.Keystroke()
	d.Keystroke()
	require.True(t, d.Typing())
	require.Eventually(t, func() bool { return len(log.values()) >= 1 }, time.Second, time.Millisecond)
	require.Equal(t, true, log.values()[0])

	require.Eventually(t, func() bool { return len(log.values()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, log.values())
	require.False(t, d.Typing())
}

func TestTypingDebouncer_KeystrokeReschedules(t *testing.T) {
	log := &publishLog{}
	d := NewTypingDebouncer(80*time.Millisecond, log.publish)

	d.Keystroke()
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		d.Keystroke()
	}
	require.Equal(t, []bool{true}, log.values())

	require.Eventually(t, func() bool { return !d.Typing() }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, log.values())
}

func TestTypingDebouncer_StopSuppressesPendingPublish(t *testing.T) {
	log := &publishLog{}
	d := NewTypingDebouncer(20*time.Millisecond, log.publish)

	d.Keystroke()
	require.Eventually(t, func() bool { return len(log.values()) == 1 }, time.Second, time.Millisecond)
	require.True(t, d.Stop())
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []bool{true}, log.values())
	require.False(t, d.Stop())

	d.Keystroke()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, []bool{true}, log.values())
}

func TestTypingDebouncer_SlowPublishDoesNotBlockKeystroke(t *testing.T) {
	log := &publishLog{}
	d := NewTypingDebouncer(time.Hour, func(typing bool) {
		time.Sleep(300 * time.Millisecond)
		log.publish(typing)
	})

	start := time.Now()
	d.Keystroke()
	d.Keystroke()
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.True(t, d.Typing())

	require.Eventually(t, func() bool { return len(log.values()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true}, log.values())
}

func TestTypingDebouncer_PublishesInOrder(t *testing.T) {
	log := &publishLog{}
	d := NewTypingDebouncer(10*time.Millisecond, func(typing bool) {
		if typing {
			time.Sleep(50 * time.Millisecond)
		}
		log.publish(typing)
	})

	d.Keystroke()
	require.Eventually(t, func() bool { return len(log.values()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, log.values())
}

func TestTypingDebouncer_StopWaitsForInflightPublish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	log := &publishLog{}
	d := NewTypingDebouncer(time.Hour, func(typing bool) {
		close(started)
		<-release
		log.publish(typing)
	})

	d.Keystroke()
	<-started

	stopped := make(chan bool, 1)
	go func() { stopped <- d.Stop() }()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight publish finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case was := <-stopped:
		require.True(t, was)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	require.Equal(t, []bool{true}, log.values())
}

func TestTypingDebouncer_DefaultIdle(t *testing.T) {
	d := NewTypingDebouncer(0, func(bool) {})
	require.Equal(t, DefaultTypingIdle, d.idle)
}
