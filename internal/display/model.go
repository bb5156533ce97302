// Package display renders the connection table as a terminal dashboard.
package display

import (
	"Go2ConnTrack/internal/engine/sorter"
	"Go2ConnTrack/internal/model"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Refresh interval bounds for the +/- keys.
const (
	MinInterval = 31250 * time.Microsecond
	MaxInterval = 32 * time.Second
)

const (
	minWidth  = 69
	minHeight = 4

	colEndpoint = 21
	colState    = 7
	colIdle     = 4
	colSpeed    = 8
	colBytes    = 8

	// Offsets of the speed and bytes columns, and of the pause and sort
	// labels in the status line.
	offSpeed = 1 + colEndpoint + 1 + colEndpoint + 1 + colState + 1 + colIdle + 1 + 1 + 1
	offBytes = offSpeed + colSpeed + 1
	offPause = 46
	offSort  = 56
)

var (
	barStyle      = lipgloss.NewStyle().Reverse(true)
	finishedStyle = lipgloss.NewStyle().Faint(true)
)

// Tracker is the part of the connection table the dashboard drives.
type Tracker interface {
	Snapshot(poll bool) ([]model.Connection, error)
	NumConnections() int
	Purge(enabled bool)
	SetInterval(d time.Duration)
	Interval() time.Duration
	RemoveTimeout() time.Duration
}

type tickMsg time.Time

// FatalMsg stops the dashboard with an error.
type FatalMsg struct {
	Err error
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	tracker Tracker
	keys    keyMap

	sortKey sorter.Key
	paused  bool
	offset  int

	visible    []model.Connection // table order
	rows       []model.Connection // visible, sorted
	totalRate  float64
	totalBytes uint64

	width    int
	height   int
	err      error
	quitting bool
}

// New creates a dashboard over tracker with the given initial sort key.
func New(tracker Tracker, sortKey sorter.Key) Model {
	return Model{
		tracker: tracker,
		keys:    defaultKeyMap(),
		sortKey: sortKey,
		width:   80,
		height:  24,
	}
}

// Init takes the first snapshot immediately.
func (m Model) Init() tea.Cmd {
	return func() tea.Msg { return tickMsg(time.Now()) }
}

// tick waits for the next multiple of the refresh interval.
func (m Model) tick() tea.Cmd {
	return tea.Every(m.tracker.Interval(), func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles ticks, key presses and resizes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if !m.paused {
			if err := m.refresh(); err != nil {
				// Snapshots only fail on a lock timeout, which is fatal.
				m.err = err
				m.quitting = true
				return m, tea.Quit
			}
		}
		return m, m.tick()
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.clampOffset()
		return m, nil
	case FatalMsg:
		m.err = msg.Err
		m.quitting = true
		return m, tea.Quit
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		m.offset--
	case key.Matches(msg, m.keys.Down):
		m.offset++
	case key.Matches(msg, m.keys.PageUp):
		m.offset -= m.pageSize()
	case key.Matches(msg, m.keys.PageDown):
		m.offset += m.pageSize()
	case key.Matches(msg, m.keys.Sort):
		m.sortKey = m.sortKey.Next()
		m.resort()
	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		m.tracker.Purge(!m.paused)
	case key.Matches(msg, m.keys.Faster):
		m.tracker.SetInterval(max(m.tracker.Interval()/2, MinInterval))
	case key.Matches(msg, m.keys.Slower):
		m.tracker.SetInterval(min(m.tracker.Interval()*2, MaxInterval))
	}
	m.clampOffset()
	return m, nil
}

// refresh replaces the snapshot, polling activity. Finished connections that
// already passed the remove timeout are hidden.
func (m *Model) refresh() error {
	conns, err := m.tracker.Snapshot(true)
	if err != nil {
		return err
	}
	m.totalRate, m.totalBytes = 0, 0
	timeout := m.tracker.RemoveTimeout()
	visible := conns[:0]
	for _, c := range conns {
		m.totalRate += c.Rate
		m.totalBytes += c.Bytes
		if c.State.Finished() && c.Idle > timeout {
			continue
		}
		visible = append(visible, c)
	}
	m.visible = visible
	m.resort()
	m.clampOffset()
	return nil
}

func (m *Model) resort() {
	m.rows = slices.Clone(m.visible)
	sorter.Sort(m.rows, m.sortKey)
}

func (m Model) pageSize() int {
	return max(m.height-3, 1)
}

func (m *Model) clampOffset() {
	if m.offset >= len(m.rows) {
		m.offset = len(m.rows) - 1
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

// Paused reports whether the view is frozen.
func (m Model) Paused() bool { return m.paused }

// SortKey returns the current sort key.
func (m Model) SortKey() sorter.Key { return m.sortKey }

// Err returns the error that stopped the dashboard, if any.
func (m Model) Err() error { return m.err }

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width < minWidth {
		return fmt.Sprintf("ct-top requires a screen at least %d columns wide to run.\n", minWidth)
	}
	if m.height < minHeight {
		return fmt.Sprintf("ct-top requires a screen at least %d rows tall to run.\n", minHeight)
	}
	withBytes := m.width >= offBytes+colBytes

	var b strings.Builder
	header := fmt.Sprintf(" %-*s %-*s %-*s %-*s %s %-*s",
		colEndpoint, "Client", colEndpoint, "Server", colState, "State", colIdle, "Idle", "A", colSpeed, "Speed")
	if withBytes {
		header += " Bytes"
	}
	b.WriteString(m.bar(header))
	b.WriteByte('\n')

	page := m.pageSize()
	end := min(m.offset+page, len(m.rows))
	shown := 0
	for _, c := range m.rows[m.offset:end] {
		b.WriteString(m.renderRow(c, withBytes))
		b.WriteByte('\n')
		shown++
	}
	for ; shown < page; shown++ {
		b.WriteByte('\n')
	}

	total := fmt.Sprintf(" Refresh %5.3f sec", m.tracker.Interval().Seconds())
	total = fmt.Sprintf("%-*s%s", offSpeed-6, total, "TOTAL ") + FormatBytes(m.totalRate)
	if withBytes {
		total += " " + FormatBytes(float64(m.totalBytes))
	}
	b.WriteString(m.bar(total))
	b.WriteByte('\n')
	b.WriteString(m.bar(m.statusLine(end)))
	return b.String()
}

// bar renders a full-width reversed line.
func (m Model) bar(s string) string {
	return barStyle.Width(m.width).MaxWidth(m.width).Render(s)
}

func (m Model) renderRow(c model.Connection, withBytes bool) string {
	act := " "
	if c.Active {
		act = "*"
	}
	row := fmt.Sprintf(" %s %s %-*s %-*s %s %s",
		FormatEndpoint(c.Key.Client, c.Names.ClientHost, c.Names.ClientService, colEndpoint),
		FormatEndpoint(c.Key.Server, c.Names.ServerHost, c.Names.ServerService, colEndpoint),
		colState, c.State.Short(),
		colIdle, FormatIdle(c.Idle),
		act,
		FormatBytes(c.Rate))
	if withBytes {
		row += " " + FormatBytes(float64(c.Bytes))
	}
	if c.State.Finished() {
		return finishedStyle.Render(row)
	}
	return row
}

func (m Model) statusLine(end int) string {
	var s string
	if n := m.tracker.NumConnections(); n > 0 && len(m.rows) > 0 {
		s = fmt.Sprintf(" Connections %d-%d of %d", m.offset+1, end, n)
	} else {
		s = " Connections 0-0 of 0"
	}
	pause := "Unpaused"
	if m.paused {
		pause = "Paused"
	}
	sort := "Unsorted"
	if m.sortKey != sorter.None {
		sort = "Sorted by " + m.sortKey.String()
	}
	return fmt.Sprintf("%-*s%-*s%s", offPause, s, offSort-offPause, pause, sort)
}
