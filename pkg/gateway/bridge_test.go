package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkent/workbench/pkg/plugin"
)

func publishN(b *Bridge, n int) {
	for i := 0; i < n; i++ {
		b.Publish(plugin.Event{
			Type:      "test.event",
			PluginID:  "com.acme.one",
			Payload:   fmt.Sprintf(`{"n":%d}`, i),
			Timestamp: time.Now(),
		})
	}
}

func TestBridge_FanOut(t *testing.T) {
	t.Run("should deliver events to every subscriber", func(t *testing.T) {
		b := NewBridge(8, zerolog.Nop())

		chA := b.Subscribe("a")
		chB := b.Subscribe("b")
		assert.Equal(t, 2, b.SubscriberCount())

		publishN(b, 3)

		for i := 0; i < 3; i++ {
			frameA := <-chA
			frameB := <-chB
			assert.Equal(t, EventFrameKind, frameA.Kind)
			assert.Equal(t, frameA.Seq, frameB.Seq)
			assert.Equal(t, "com.acme.one", frameA.PluginID)
		}
	})

	t.Run("should assign increasing sequence numbers", func(t *testing.T) {
		b := NewBridge(8, zerolog.Nop())
		ch := b.Subscribe("a")

		publishN(b, 3)

		first := <-ch
		second := <-ch
		third := <-ch
		assert.Less(t, first.Seq, second.Seq)
		assert.Less(t, second.Seq, third.Seq)
	})

	t.Run("should not block publishing when there are no subscribers", func(t *testing.T) {
		b := NewBridge(1, zerolog.Nop())

		done := make(chan struct{})
		go func() {
			publishN(b, 100)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Publish blocked with no subscribers")
		}
	})
}

func TestBridge_SlowSubscriber(t *testing.T) {
	t.Run("should drop oldest events when queue is full", func(t *testing.T) {
		b := NewBridge(4, zerolog.Nop())
		ch := b.Subscribe("slow")

		// Nobody reads: only the newest 4 frames survive.
		publishN(b, 10)

		assert.Equal(t, int64(6), b.Dropped())

		var seqs []int64
		for i := 0; i < 4; i++ {
			select {
			case frame := <-ch:
				seqs = append(seqs, frame.Seq)
			case <-time.After(time.Second):
				t.Fatal("expected a buffered frame")
			}
		}
		require.Len(t, seqs, 4)
		assert.Equal(t, []int64{7, 8, 9, 10}, seqs)
	})

	t.Run("should keep other subscribers unaffected", func(t *testing.T) {
		b := NewBridge(4, zerolog.Nop())
		slow := b.Subscribe("slow")
		fast := b.Subscribe("fast")

		got := make(chan int, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			count := 0
			for {
				select {
				case <-fast:
					count++
					if count == 10 {
						got <- count
						return
					}
				case <-time.After(time.Second):
					got <- count
					return
				}
			}
		}()

		publishN(b, 10)
		<-done
		assert.Equal(t, 10, <-got)

		// The slow subscriber saw drops, the fast one did not.
		assert.NotEmpty(t, slow)
	})
}

func TestBridge_Subscribe(t *testing.T) {
	t.Run("should close previous channel when id resubscribes", func(t *testing.T) {
		b := NewBridge(4, zerolog.Nop())

		old := b.Subscribe("a")
		_ = b.Subscribe("a")

		_, open := <-old
		assert.False(t, open, "old channel should be closed")
		assert.Equal(t, 1, b.SubscriberCount())
	})

	t.Run("should close channel on unsubscribe", func(t *testing.T) {
		b := NewBridge(4, zerolog.Nop())

		ch := b.Subscribe("a")
		b.Unsubscribe("a")

		_, open := <-ch
		assert.False(t, open)
		assert.Equal(t, 0, b.SubscriberCount())

		// Unsubscribing twice is harmless.
		b.Unsubscribe("a")
	})
}
