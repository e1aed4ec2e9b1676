package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/malbeclabs/shredrace/internal/receiver"
)

func TestRelay_Subscribe(t *testing.T) {
	t.Parallel()

	r := New(nil)
	ch := make(chan Packet, 10)
	unsubscribe := r.Subscribe(ch)

	assert.Equal(t, 1, r.SubscriberCount())

	unsubscribe()
	assert.Equal(t, 0, r.SubscriberCount())
}

func TestRelay_EmitDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	r := New(nil)
	ch1 := make(chan Packet, 10)
	ch2 := make(chan Packet, 10)
	r.Subscribe(ch1)
	r.Subscribe(ch2)

	raw := receiver.RawDatagram{Data: []byte("test data"), RecvAt: time.Now(), Source: "relay-a"}
	ok := r.Emit(raw)
	assert.True(t, ok)

	select {
	case received := <-ch1:
		assert.Equal(t, raw.Data, received.Data)
		assert.Equal(t, raw.Source, received.Source)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1 did not receive packet")
	}

	select {
	case received := <-ch2:
		assert.Equal(t, raw.Data, received.Data)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2 did not receive packet")
	}
}

func TestRelay_EmitDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	t.Parallel()

	r := New(nil)
	slowCh := make(chan Packet) // unbuffered, simulates a slow subscriber
	fastCh := make(chan Packet, 10)
	r.Subscribe(slowCh)
	r.Subscribe(fastCh)

	raw := receiver.RawDatagram{Data: []byte("test data"), RecvAt: time.Now()}

	done := make(chan struct{})
	go func() {
		r.Emit(raw)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Emit blocked on slow subscriber")
	}

	select {
	case received := <-fastCh:
		assert.Equal(t, raw.Data, received.Data)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fastCh did not receive packet")
	}
}

func TestRelay_EmitWithNoSubscribersReturnsTrue(t *testing.T) {
	t.Parallel()

	r := New(nil)
	ok := r.Emit(receiver.RawDatagram{Data: []byte("x")})
	assert.True(t, ok)
}

func TestRelay_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	r := New(nil)
	const goroutines = 100
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			ch := make(chan Packet, 1)
			unsub := r.Subscribe(ch)
			time.Sleep(time.Millisecond)
			unsub()
		}()
	}

	wg.Wait()
	assert.Equal(t, 0, r.SubscriberCount())
}
