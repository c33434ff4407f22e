package queue

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/exposurelog/internal/connectivity"
	"github.com/kimhsiao/exposurelog/internal/testutil"
	"github.com/kimhsiao/exposurelog/internal/uuid"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// netSwitch is a settable connectivity source.
type netSwitch struct {
	mu    sync.Mutex
	state connectivity.State
}

func newNet(s connectivity.State) *netSwitch { return &netSwitch{state: s} }

func (n *netSwitch) get() connectivity.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *netSwitch) set(s connectivity.State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

var (
	wifi     = connectivity.State{IsConnected: true, ConnectionType: connectivity.TypeWiFi}
	cellular = connectivity.State{IsConnected: true, ConnectionType: connectivity.TypeCellular}
)

type fixture struct {
	clock *testutil.ManualClock
	net   *netSwitch
	fb    *testutil.FakeBackend
}

func newFixture(state connectivity.State) *fixture {
	return &fixture{
		clock: testutil.NewManualClock(epoch),
		net:   newNet(state),
		fb:    testutil.NewFakeBackend(),
	}
}

func (f *fixture) options(prefix string) Options {
	return Options{
		Now:     f.clock.Now,
		NewID:   uuid.Sequence(prefix),
		Network: f.net.get,
	}
}

// writeFile creates a file of size bytes in dir.
func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644))
	return p
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.True(t, testutil.Eventually(2*time.Second, cond), msg)
}
