package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	wifi     = State{IsConnected: true, ConnectionType: TypeWiFi}
	cellular = State{IsConnected: true, ConnectionType: TypeCellular}
)

func TestMonitor_EmitsOnlyOnChange(t *testing.T) {
	m := NewMonitor(Offline)
	var got []Transition
	m.Subscribe(func(tr Transition) { got = append(got, tr) })

	assert.True(t, m.Update(cellular))
	assert.False(t, m.Update(cellular), "same state must not emit")
	assert.True(t, m.Update(wifi))
	assert.True(t, m.Update(Offline))

	require.Len(t, got, 3)
	assert.True(t, got[0].CameOnline())
	assert.False(t, got[0].BecameWiFi())
	assert.False(t, got[1].CameOnline())
	assert.True(t, got[1].BecameWiFi())
	assert.True(t, got[2].WentOffline())
	assert.Equal(t, Offline, m.Current())
}

func TestMonitor_DisconnectedNormalizesType(t *testing.T) {
	m := NewMonitor(wifi)
	m.Update(State{IsConnected: false, ConnectionType: TypeWiFi})

	assert.Equal(t, Offline, m.Current())
	assert.False(t, m.IsOnline())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(Offline)
	calls := 0
	unsubscribe := m.Subscribe(func(Transition) { calls++ })

	m.Update(wifi)
	unsubscribe()
	m.Update(Offline)

	assert.Equal(t, 1, calls)
}

func TestParseType(t *testing.T) {
	assert.Equal(t, TypeWiFi, ParseType("wifi"))
	assert.Equal(t, TypeCellular, ParseType("cellular"))
	assert.Equal(t, TypeOther, ParseType("ethernet"))
}

func TestProber_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	m := NewMonitor(Offline)
	p := NewProber(m, srv.URL, time.Second, TypeCellular)

	assert.Equal(t, cellular, p.Probe(context.Background()), "any HTTP response means reachable")

	srv.Close()
	assert.Equal(t, Offline, p.Probe(context.Background()))
}

func TestProber_RunUpdatesMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(Offline)
	p := NewProber(m, srv.URL, 10*time.Millisecond, TypeWiFi)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, wifi, m.Current())
}
