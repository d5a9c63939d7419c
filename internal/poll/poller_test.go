package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	snaps []cover.Snapshot
	err   error
}

func (s staticSource) Fetch(ctx context.Context) ([]cover.Snapshot, error) {
	return s.snaps, s.err
}

func position(v int) *int {
	return &v
}

func TestPollerDispatchesByCoverID(t *testing.T) {
	source := staticSource{snaps: []cover.Snapshot{
		{CoverID: "salon", Position: position(40)},
		{CoverID: "kuchnia", Position: position(80)},
		{CoverID: "unknown", Position: position(10)},
	}}

	p := NewPoller(source, 10*time.Millisecond)

	var mu sync.Mutex
	received := map[string]int{}
	for _, id := range []string{"salon", "kuchnia"} {
		id := id
		p.Register(id, func(snap cover.Snapshot) {
			mu.Lock()
			received[id] = *snap.Position
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, 40, received["salon"])
	assert.Equal(t, 80, received["kuchnia"])
	mu.Unlock()
}

func TestMultiSkipsFailingSource(t *testing.T) {
	ok := staticSource{snaps: []cover.Snapshot{{CoverID: "salon", Position: position(5)}}}
	broken := staticSource{err: assert.AnError}

	snaps, err := Multi(broken, ok).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "salon", snaps[0].CoverID)
}
