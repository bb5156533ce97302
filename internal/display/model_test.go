package display

import (
	"Go2ConnTrack/internal/engine/conntrack"
	"Go2ConnTrack/internal/engine/sorter"
	"Go2ConnTrack/internal/model"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	conns     []model.Connection
	err       error
	snapshots int
	purging   bool
	interval  time.Duration
}

func newFakeTracker(conns ...model.Connection) *fakeTracker {
	return &fakeTracker{conns: conns, purging: true, interval: time.Second}
}

func (f *fakeTracker) Snapshot(poll bool) ([]model.Connection, error) {
	f.snapshots++
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Connection(nil), f.conns...), nil
}

func (f *fakeTracker) NumConnections() int          { return len(f.conns) }
func (f *fakeTracker) Purge(enabled bool)           { f.purging = enabled }
func (f *fakeTracker) SetInterval(d time.Duration)  { f.interval = d }
func (f *fakeTracker) Interval() time.Duration      { return f.interval }
func (f *fakeTracker) RemoveTimeout() time.Duration { return 10 * time.Second }

func conn(port uint16, rate float64, idle time.Duration, state model.TCPState) model.Connection {
	return model.Connection{
		Seq: uint64(port),
		Key: model.FlowKey{
			Client:   model.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: port},
			Server:   model.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 80},
			Protocol: layers.IPProtocolTCP,
		},
		State:  state,
		Bytes:  uint64(rate) * 10,
		Rate:   rate,
		Idle:   idle,
		Active: idle == 0,
	}
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestFormatIdle(t *testing.T) {
	tests := map[time.Duration]string{
		0:                " 0s",
		5 * time.Second:  " 5s",
		59 * time.Second: "59s",
		60 * time.Second: " 1m",
		59 * time.Minute: "59m",
		3 * time.Hour:    " 3h",
	}
	for d, want := range tests {
		assert.Equal(t, want, FormatIdle(d), d.String())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    float64
		want string
	}{
		{0, "    0  B"},
		{500, "  500  B"},
		{2048, " 2.00 kB"},
		{20480, " 20.0 kB"},
		{512000, "  500 kB"},
		{2 * 1024 * 1024, "2.00  MB"},
		{20 * 1024 * 1024, "20.0  MB"},
		{2 * 1024 * 1024 * 1024, "2.00  GB"},
	}
	for _, tt := range tests {
		got := FormatBytes(tt.n)
		assert.Equal(t, tt.want, got)
		assert.Len(t, got, 8)
	}
}

func TestFormatEndpoint(t *testing.T) {
	ep := model.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 50000}
	assert.Equal(t, "10.0.0.1        50000", FormatEndpoint(ep, "", "", 21))
	assert.Equal(t, "very-long-hostn https", FormatEndpoint(ep, "very-long-hostname.example", "https", 21))
}

func TestModel_TickRefreshes(t *testing.T) {
	tr := newFakeTracker(conn(1, 500, 0, model.StateEstablished), conn(2, 9000, time.Second, model.StateEstablished))
	m := New(tr, sorter.Rate)

	m, cmd := update(t, m, tickMsg(time.Now()))
	require.NotNil(t, cmd, "the next tick is scheduled")
	assert.Equal(t, 1, tr.snapshots)
	require.Len(t, m.rows, 2)
	assert.Equal(t, 9000.0, m.rows[0].Rate)
	assert.Equal(t, 9500.0, m.totalRate)
}

func TestModel_HidesExpiredFinished(t *testing.T) {
	tr := newFakeTracker(
		conn(1, 0, 20*time.Second, model.StateClosed),
		conn(2, 0, 2*time.Second, model.StateReset),
		conn(3, 100, 0, model.StateEstablished),
	)
	m, _ := update(t, New(tr, sorter.None), tickMsg(time.Now()))
	require.Len(t, m.rows, 2)
	assert.Equal(t, uint16(2), m.rows[0].Key.Client.Port)
	assert.Equal(t, uint64(1000), m.totalBytes, "totals include hidden rows")
}

func TestModel_PauseFreezesView(t *testing.T) {
	tr := newFakeTracker(conn(1, 500, 0, model.StateEstablished))
	m, _ := update(t, New(tr, sorter.None), tickMsg(time.Now()))

	m, _ = update(t, m, runes("p"))
	assert.True(t, m.Paused())
	assert.False(t, tr.purging)

	tr.conns = append(tr.conns, conn(2, 100, 0, model.StateEstablished))
	m, cmd := update(t, m, tickMsg(time.Now()))
	assert.NotNil(t, cmd)
	assert.Equal(t, 1, tr.snapshots)
	assert.Len(t, m.rows, 1)

	m, _ = update(t, m, runes("p"))
	assert.True(t, tr.purging)
	m, _ = update(t, m, tickMsg(time.Now()))
	assert.Len(t, m.rows, 2)
}

func TestModel_SortCycles(t *testing.T) {
	tr := newFakeTracker(conn(1, 500, 0, model.StateEstablished), conn(2, 9000, 0, model.StateEstablished))
	m, _ := update(t, New(tr, sorter.None), tickMsg(time.Now()))
	assert.Equal(t, uint16(1), m.rows[0].Key.Client.Port)

	m, _ = update(t, m, runes("s"))
	assert.Equal(t, sorter.Rate, m.SortKey())
	assert.Equal(t, uint16(2), m.rows[0].Key.Client.Port, "re-sorted without a new snapshot")
	assert.Equal(t, 1, tr.snapshots)
	assert.Contains(t, m.View(), "Sorted by rate")
}

func TestModel_IntervalBounds(t *testing.T) {
	tr := newFakeTracker()
	m := New(tr, sorter.None)

	m, _ = update(t, m, runes("+"))
	assert.Equal(t, 500*time.Millisecond, tr.interval)
	for range 10 {
		m, _ = update(t, m, runes("+"))
	}
	assert.Equal(t, MinInterval, tr.interval)

	for range 20 {
		m, _ = update(t, m, runes("-"))
	}
	assert.Equal(t, MaxInterval, tr.interval)
}

func TestModel_Scroll(t *testing.T) {
	var conns []model.Connection
	for p := uint16(1); p <= 5; p++ {
		conns = append(conns, conn(p, 0, 0, model.StateEstablished))
	}
	m := New(newFakeTracker(conns...), sorter.None)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 6})
	m, _ = update(t, m, tickMsg(time.Now()))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.offset)
	assert.Contains(t, m.View(), "Connections 2-4 of 5")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyPgDown})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyPgDown})
	assert.Equal(t, 4, m.offset, "clamped to the last row")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyPgUp})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyPgUp})
	assert.Equal(t, 0, m.offset)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.offset)
}

func TestModel_View(t *testing.T) {
	c := conn(50000, 2048, 0, model.StateEstablished)
	c.Names.ServerService = "http"
	m, _ := update(t, New(newFakeTracker(c), sorter.None), tickMsg(time.Now()))

	v := m.View()
	for _, want := range []string{"Client", "Server", "ESTABLI", "10.0.0.2", "http", "*", "TOTAL", "Refresh 1.000 sec", "Connections 1-1 of 1", "Unpaused", "Unsorted", " 2.00 kB"} {
		assert.Contains(t, v, want)
	}

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 60, Height: 24})
	assert.Contains(t, m.View(), "at least 69 columns")
}

func TestModel_Fatal(t *testing.T) {
	m := New(newFakeTracker(), sorter.None)
	boom := errors.New("lock timeout")
	m, cmd := update(t, m, FatalMsg{Err: boom})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.ErrorIs(t, m.Err(), boom)
	assert.Empty(t, m.View())
}

func TestModel_SnapshotErrorQuits(t *testing.T) {
	tr := newFakeTracker()
	tr.err = errors.New("lock timeout")
	m, cmd := update(t, New(tr, sorter.None), tickMsg(time.Now()))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.EqualError(t, m.Err(), "lock timeout")
	assert.Empty(t, m.View())
}

func TestProgram_ExitsOnLockTimeout(t *testing.T) {
	var prog *tea.Program
	fatals := make(chan error, 1)
	tbl := conntrack.NewTable(conntrack.Options{
		LockTimeout: 100 * time.Millisecond,
		OnFatal: func(err error) {
			fatals <- err
			go prog.Send(FatalMsg{Err: err})
		},
	})
	defer tbl.Stop()

	require.NoError(t, tbl.Lock())
	defer tbl.Unlock()

	prog = tea.NewProgram(New(tbl, sorter.None),
		tea.WithInput(nil), tea.WithOutput(io.Discard), tea.WithoutRenderer())
	done := make(chan tea.Model, 1)
	go func() {
		final, _ := prog.Run()
		done <- final
	}()

	select {
	case final := <-done:
		assert.ErrorIs(t, final.(Model).Err(), conntrack.ErrLockTimeout)
	case <-time.After(5 * time.Second):
		prog.Kill()
		t.Fatal("dashboard still running after the table lock timed out")
	}
	assert.ErrorIs(t, <-fatals, conntrack.ErrLockTimeout)
}

func TestModel_Quit(t *testing.T) {
	_, cmd := update(t, New(newFakeTracker(), sorter.None), runes("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
