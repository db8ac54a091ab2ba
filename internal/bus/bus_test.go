package bus

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkFrame(seq uint64) *frame.Stream {
	return &frame.Stream{
		Seq:       seq,
		Timestamp: time.Now(),
		Image:     image.NewRGBA(image.Rect(0, 0, 2, 2)),
	}
}

func TestSnapshot_NoFrameYet(t *testing.T) {
	b := New(Options{})
	_, err := b.Snapshot()
	assert.ErrorIs(t, err, ErrNoFrameYet)
}

func TestSnapshot_ReturnsLatest(t *testing.T) {
	b := New(Options{RingSize: 4})
	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, b.Publish(mkFrame(seq)))
	}

	f, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), f.Seq)
	assert.Equal(t, 0, b.Len(), "snapshot must not register a subscriber")
}

func TestPublish_RejectsNonIncreasingSeq(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Publish(mkFrame(5)))
	assert.ErrorIs(t, b.Publish(mkFrame(5)), ErrStaleSequence)
	assert.ErrorIs(t, b.Publish(mkFrame(3)), ErrStaleSequence)
	assert.NoError(t, b.Publish(mkFrame(9)))
}

func TestSubscribe_OnlySeesNewFrames(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Publish(mkFrame(1)))

	sub, err := b.Subscribe("late")
	require.NoError(t, err)
	defer sub.Close()

	_, ok := sub.TryNext()
	assert.False(t, ok)

	require.NoError(t, b.Publish(mkFrame(2)))
	f, ok := sub.TryNext()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)
}

func TestFastAndSlowSubscribers(t *testing.T) {
	b := New(Options{MailboxSize: 3})

	fast, err := b.Subscribe("fast")
	require.NoError(t, err)
	slow, err := b.Subscribe("slow")
	require.NoError(t, err)

	var fastSeen, slowSeen []uint64
	var slowDrops []uint64

	for seq := uint64(1); seq <= 100; seq++ {
		require.NoError(t, b.Publish(mkFrame(seq)))

		f, ok := fast.TryNext()
		require.True(t, ok)
		fastSeen = append(fastSeen, f.Seq)

		if seq%5 == 0 {
			f, ok := slow.TryNext()
			require.True(t, ok)
			slowSeen = append(slowSeen, f.Seq)
			slowDrops = append(slowDrops, slow.Dropped())
		}
	}

	assertStrictlyIncreasing(t, fastSeen)
	assertStrictlyIncreasing(t, slowSeen)

	assert.Len(t, fastSeen, 100)
	assert.Equal(t, uint64(0), fast.Dropped())

	// Every visit of the slow subscriber finds its mailbox overrun
	for i := 1; i < len(slowDrops); i++ {
		assert.Greater(t, slowDrops[i], slowDrops[i-1])
	}
	assert.Equal(t, uint64(3), slowSeen[0], "oldest surviving frame of the first mailbox")

	st, err := b.SubscriberStats(slow.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), st.Delivered)
	assert.Equal(t, 2, st.Pending)
}

func TestNext_SequenceStrictlyIncreasingUnderConcurrency(t *testing.T) {
	b := New(Options{MailboxSize: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const frames = 2000
	const consumers = 4

	var wg sync.WaitGroup
	results := make([][]uint64, consumers)
	for i := 0; i < consumers; i++ {
		sub, err := b.Subscribe("consumer")
		require.NoError(t, err)

		wg.Add(1)
		go func(i int, sub *Subscriber) {
			defer wg.Done()
			for {
				f, err := sub.Next(ctx)
				if err != nil {
					return
				}
				results[i] = append(results[i], f.Seq)
				if i%2 == 1 {
					time.Sleep(50 * time.Microsecond)
				}
				if f.Seq == frames {
					return
				}
			}
		}(i, sub)
	}

	for seq := uint64(1); seq <= frames; seq++ {
		require.NoError(t, b.Publish(mkFrame(seq)))
	}
	wg.Wait()

	for i, seen := range results {
		require.NotEmpty(t, seen, "consumer %d", i)
		assertStrictlyIncreasing(t, seen)
		assert.Equal(t, uint64(frames), seen[len(seen)-1], "latest frame always reaches consumer %d", i)
	}
}

func TestPublish_NotSlowedByStalledSubscribers(t *testing.T) {
	b := New(Options{MailboxSize: 4})
	var seq uint64

	measure := func() time.Duration {
		start := time.Now()
		for i := 0; i < 5000; i++ {
			seq++
			require.NoError(t, b.Publish(mkFrame(seq)))
		}
		return time.Since(start)
	}

	baseline := measure()

	for i := 0; i < 500; i++ {
		_, err := b.Subscribe("stalled")
		require.NoError(t, err)
	}

	var worst time.Duration
	for i := 0; i < 1000; i++ {
		seq++
		start := time.Now()
		require.NoError(t, b.Publish(mkFrame(seq)))
		if d := time.Since(start); d > worst {
			worst = d
		}
	}

	loaded := measure()
	assert.Less(t, worst, 50*time.Millisecond)
	assert.Less(t, loaded, baseline*20+100*time.Millisecond, "baseline %s loaded %s", baseline, loaded)

	for _, st := range b.Stats().Subscribers {
		assert.Equal(t, 4, st.Pending)
		assert.Greater(t, st.Dropped, uint64(0))
	}
}

func TestNext_ContextCancel(t *testing.T) {
	b := New(Options{})
	sub, err := b.Subscribe("idle")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNext_WakesOnPublish(t *testing.T) {
	b := New(Options{})
	sub, err := b.Subscribe("waiter")
	require.NoError(t, err)

	got := make(chan uint64, 1)
	go func() {
		f, err := sub.Next(context.Background())
		if err == nil {
			got <- f.Seq
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Publish(mkFrame(1)))

	select {
	case seq := <-got:
		assert.Equal(t, uint64(1), seq)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(Options{})
	sub, err := b.Subscribe("gone")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	require.NoError(t, b.Unsubscribe(sub.ID()))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSubscriberClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after unsubscribe")
	}

	assert.ErrorIs(t, b.Unsubscribe(sub.ID()), ErrSubscriberNotFound)
	assert.Equal(t, 0, b.Len())

	// Publishing after removal still works and does not reach the old subscriber
	require.NoError(t, b.Publish(mkFrame(1)))
	_, ok := sub.TryNext()
	assert.False(t, ok)
}

func TestClose_DrainsThenFails(t *testing.T) {
	b := New(Options{})
	sub, err := b.Subscribe("drain")
	require.NoError(t, err)

	require.NoError(t, b.Publish(mkFrame(1)))
	b.Close()

	f, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, b.Publish(mkFrame(2)), ErrClosed)
	_, err = b.Subscribe("after")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWithMailbox_GrowsRing(t *testing.T) {
	b := New(Options{MailboxSize: 2, RingSize: 2})
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, b.Publish(mkFrame(seq)))
	}

	deep, err := b.Subscribe("deep", WithMailbox(8))
	require.NoError(t, err)

	for seq := uint64(4); seq <= 11; seq++ {
		require.NoError(t, b.Publish(mkFrame(seq)))
	}

	var seen []uint64
	for {
		f, ok := deep.TryNext()
		if !ok {
			break
		}
		seen = append(seen, f.Seq)
	}
	assert.Equal(t, []uint64{4, 5, 6, 7, 8, 9, 10, 11}, seen)
	assert.Equal(t, uint64(0), deep.Dropped())

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), snap.Seq)
}

func TestSubscribeUnsubscribeDuringPublish(t *testing.T) {
	b := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); ctx.Err() == nil; seq++ {
			_ = b.Publish(mkFrame(seq))
		}
	}()

	for i := 0; i < 200; i++ {
		sub, err := b.Subscribe("churn")
		require.NoError(t, err)
		sub.TryNext()
		sub.Close()
	}
	cancel()
	wg.Wait()

	assert.Equal(t, 0, b.Len())
}

func assertStrictlyIncreasing(t *testing.T, seqs []uint64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing at %d: %d after %d", i, seqs[i], seqs[i-1])
		}
	}
}
