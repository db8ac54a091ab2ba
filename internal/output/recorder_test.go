package output

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_WritesIndexedFrames(t *testing.T) {
	b := bus.New(bus.Options{})
	rec := NewRecorder(b, RecorderConfig{Dir: t.TempDir(), Quality: 80})

	_, err := rec.Stop()
	require.ErrorIs(t, err, ErrNotRecording)

	started, err := rec.Start()
	require.NoError(t, err)
	assert.True(t, started.Active)

	_, err = rec.Start()
	require.ErrorIs(t, err, ErrAlreadyRecording)

	require.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, time.Millisecond)

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, b.Publish(testFrame(seq, 20, 10)))
		require.Eventually(t, func() bool {
			st, _ := rec.Status()
			return st.Frames == seq
		}, 2*time.Second, time.Millisecond)
	}

	summary, err := rec.Stop()
	require.NoError(t, err)
	assert.False(t, summary.Active)
	assert.Equal(t, uint64(10), summary.Frames)
	assert.Equal(t, uint64(1), summary.FirstSeq)
	assert.Equal(t, uint64(10), summary.LastSeq)
	assert.Equal(t, 1, summary.Stride)
	assert.Zero(t, summary.Gaps)

	st, ok := rec.Status()
	require.True(t, ok)
	assert.Equal(t, started.ID, st.ID)
	assert.False(t, st.Active)
	assert.Equal(t, 0, b.Len())

	db, err := sql.Open("sqlite3", filepath.Join(summary.Dir, indexFile))
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query("SELECT seq, file FROM frames ORDER BY seq")
	require.NoError(t, err)
	defer rows.Close()

	var want uint64 = 1
	for rows.Next() {
		var seq uint64
		var file string
		require.NoError(t, rows.Scan(&seq, &file))
		assert.Equal(t, want, seq)
		_, err := os.Stat(filepath.Join(summary.Dir, file))
		assert.NoError(t, err)
		want++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, uint64(11), want)
}

func TestSession_StrideAdaptsToGaps(t *testing.T) {
	s, err := openSession(RecorderConfig{Dir: t.TempDir(), MaxStride: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })

	for _, seq := range []uint64{1, 2, 5, 6, 7, 10, 11} {
		require.NoError(t, s.WriteFrame(testFrame(seq, 4, 4)))
	}

	sum := s.summary()
	assert.Equal(t, uint64(5), sum.Frames, "1, 2, 5, 7 and 11 are written")
	assert.Equal(t, uint64(2), sum.Sampled, "6 and 10 are sampled out")
	assert.Equal(t, uint64(4), sum.Gaps)
	assert.Equal(t, 4, sum.Stride)

	require.NoError(t, s.WriteFrame(testFrame(40, 4, 4)))
	assert.Equal(t, 4, s.summary().Stride, "stride is capped")

	for seq := uint64(41); seq < 41+strideRecoverAfter; seq++ {
		require.NoError(t, s.WriteFrame(testFrame(seq, 4, 4)))
	}
	assert.Equal(t, 2, s.summary().Stride, "stride recovers once gaps stop")
}
