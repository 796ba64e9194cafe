// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/gateway"
	"github.com/Thermoquad/tpbridge/pkg/logging"
	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dashboardTraffic time.Duration

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI running the gateway against a simulated line",
	Long: `Run the gateway on a simulated TP1 line with the dashboard acting as its host.

Frames typed as hex are sent to the gateway as L_Data requests; the check byte
is appended automatically. The dashboard shows the gateway statistics, the
diagnostic events and every indication the gateway returns to the host.

Keys:
  enter    send the frame in the input field
  ctrl+r   send U_Reset.request
  ctrl+t   send U_State.request
  ctrl+c   quit`,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().DurationVar(&dashboardTraffic, "sim-traffic", 2*time.Second, "Interval of simulated group writes (0 disables)")
}

var errHostQueueFull = errors.New("host request queue full")

// hostQueue carries requests typed in the dashboard to the engine's host
// task. Reads block until a request arrives or the queue is closed.
type hostQueue struct {
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	pending []byte
}

func newHostQueue() *hostQueue {
	return &hostQueue{ch: make(chan []byte, 16), done: make(chan struct{})}
}

func (q *hostQueue) Write(p []byte) (int, error) {
	select {
	case q.ch <- append([]byte(nil), p...):
		return len(p), nil
	default:
		return 0, errHostQueueFull
	}
}

func (q *hostQueue) Read(p []byte) (int, error) {
	if len(q.pending) == 0 {
		select {
		case data := <-q.ch:
			q.pending = data
		case <-q.done:
			return 0, io.EOF
		}
	}
	n := copy(p, q.pending)
	q.pending = q.pending[n:]
	return n, nil
}

func (q *hostQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// dashboardFeed hands engine events and host indications to the TUI. The
// engine never waits on the TUI: messages beyond the buffer are counted
// and dropped.
type dashboardFeed struct {
	ch      chan tea.Msg
	dropped atomic.Uint64
}

func newDashboardFeed() *dashboardFeed {
	return &dashboardFeed{ch: make(chan tea.Msg, 256)}
}

func (f *dashboardFeed) post(msg tea.Msg) {
	select {
	case f.ch <- msg:
	default:
		f.dropped.Add(1)
	}
}

// HandleEvent implements gateway.EventSink
func (f *dashboardFeed) HandleEvent(e gateway.Event) {
	f.post(eventMsg(e))
}

func (f *dashboardFeed) forward(ctx context.Context, p *tea.Program) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.ch:
			p.Send(msg)
		}
	}
}

// indicationWriter decodes the gateway's host stream for display
type indicationWriter struct {
	dec  *tpuart.Decoder
	feed *dashboardFeed
}

func (w *indicationWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		ind, err := w.dec.DecodeByte(b)
		if err != nil {
			w.feed.post(decodeErrMsg{err: err})
			continue
		}
		if ind != nil {
			w.feed.post(indicationMsg{ind: ind})
		}
	}
	return len(p), nil
}

func runDashboard(cmd *cobra.Command, args []string) error {
	// log output would corrupt the screen
	logging.Use(zap.NewNop())

	feed := newDashboardFeed()
	requests := newHostQueue()
	bus := newSimBus(cfg, logging.Named("tp1"))

	engine := gateway.NewEngine(cfg, bus.rx, bus.tx,
		&indicationWriter{dec: tpuart.NewDecoder(), feed: feed},
		gateway.WithEventSink(feed),
	)
	health := gateway.NewHealthReporter(gateway.HealthReporterConfig{
		Engine: engine,
		Clock:  bus.pacer.Wall(),
		Health: cfg.Health,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := initialDashboardModel(engine, requests, &feed.dropped)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go feed.forward(ctx, p)
	if dashboardTraffic > 0 {
		go bus.generateTraffic(ctx, dashboardTraffic)
	}

	runDone := make(chan error, 1)
	go func() {
		err := engine.Run(ctx, gateway.RunConfig{
			Host:   requests,
			Clock:  bus.pacer,
			Driver: bus.pacer,
			Health: health,
		})
		if err != nil {
			p.Send(runDoneMsg{err: err})
		}
		runDone <- err
	}()

	_, err := p.Run()

	cancel()
	requests.Close()
	if runErr := <-runDone; runErr != nil && err == nil {
		err = runErr
	}
	if err != nil {
		return fmt.Errorf("dashboard: %v", err)
	}

	fmt.Print(engine.Stats().String())
	return nil
}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	kind      int
}

const (
	entryInfo = iota
	entryError
	entryHost
)

// Messages
type dashboardTickMsg time.Time
type eventMsg gateway.Event
type indicationMsg struct {
	ind *tpuart.Indication
}
type decodeErrMsg struct {
	err error
}
type runDoneMsg struct {
	err error
}

type dashboardModel struct {
	engine        *gateway.Engine
	requests      io.Writer
	dropped       *atomic.Uint64
	input         textinput.Model
	inputErr      string
	stats         gateway.StatsSnapshot
	eventLog      []eventLogEntry
	maxLogEntries int
	runErr        error
	width         int
	height        int
	quitting      bool
}

func initialDashboardModel(engine *gateway.Engine, requests io.Writer, dropped *atomic.Uint64) dashboardModel {
	ti := textinput.New()
	ti.Placeholder = "BC 11 01 09 01 E1 00 81"
	ti.CharLimit = 3 * tpuart.MaxFrameSize
	ti.Width = 3 * tpuart.MaxFrameSize
	ti.Focus()

	return dashboardModel{
		engine:        engine,
		requests:      requests,
		dropped:       dropped,
		input:         ti,
		stats:         engine.Stats(),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(dashboardTickCmd(), textinput.Blink)
}

func dashboardTickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return dashboardTickMsg(t)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			m.submitFrame()
			return m, nil
		case "ctrl+r":
			m.sendRequest([]byte{tpuart.ResetReq}, "U_RESET.req")
			return m, nil
		case "ctrl+t":
			m.sendRequest([]byte{tpuart.StateReq}, "U_STATE.req")
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case dashboardTickMsg:
		m.stats = m.engine.Stats()
		return m, dashboardTickCmd()

	case eventMsg:
		e := gateway.Event(msg)
		kind := entryInfo
		if e.Kind.Failure() {
			kind = entryError
		}
		m.addLogEntry(e.String(), kind)
		return m, nil

	case indicationMsg:
		m.addLogEntry("← "+strings.TrimSpace(tpuart.FormatIndication(msg.ind)), entryHost)
		return m, nil

	case decodeErrMsg:
		m.addLogEntry(fmt.Sprintf("host stream: %v", msg.err), entryError)
		return m, nil

	case runDoneMsg:
		m.runErr = msg.err
		m.addLogEntry(fmt.Sprintf("gateway stopped: %v", msg.err), entryError)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submitFrame sends the frame in the input field as an L_Data request
func (m *dashboardModel) submitFrame() {
	frame, err := parseHexFrame(m.input.Value(), false)
	if err != nil {
		m.inputErr = err.Error()
		return
	}
	request, err := tpuart.EncodeDataRequest(frame)
	if err != nil {
		m.inputErr = err.Error()
		return
	}
	if m.sendRequest(request, fmt.Sprintf("L_DATA.req [% X]", frame)) {
		m.input.Reset()
	}
}

func (m *dashboardModel) sendRequest(request []byte, label string) bool {
	if _, err := m.requests.Write(request); err != nil {
		m.inputErr = err.Error()
		return false
	}
	m.inputErr = ""
	m.addLogEntry("→ "+label, entryHost)
	return true
}

func (m *dashboardModel) addLogEntry(message string, kind int) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		kind:      kind,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m dashboardModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	hostStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("14"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	st := m.stats

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("TPBRIDGE - GATEWAY DASHBOARD"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Bus: simulated TP1 | Uptime: %s | Press ctrl+c to quit",
		formatUptime(time.Since(st.StartTime)))))
	s.WriteString("\n\n")

	// Gateway status
	switch {
	case m.runErr != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Gateway stopped: %v", m.runErr)))
	case st.SafeMode:
		s.WriteString(errorStyle.Render("✗ Safe mode: bus output disabled"))
	case st.QueueCapacity > 0 && st.QueueDepth*100 >= st.QueueCapacity*m.engine.Config().Queue.NearlyFullPercent:
		s.WriteString(warningStyle.Render(fmt.Sprintf("⏳ Queue nearly full (%d/%d)", st.QueueDepth, st.QueueCapacity)))
	default:
		s.WriteString(statsValueStyle.Render("✓ Running"))
	}
	s.WriteString("\n\n")

	// Statistics
	var confirmedPercent float64
	if st.FramesQueued > 0 {
		confirmedPercent = float64(st.FramesConfirmed) * 100.0 / float64(st.FramesQueued)
	}
	count := func(n uint64) string { return statsValueStyle.Render(fmt.Sprintf("%d", n)) }
	failures := func(n uint64) string {
		if n > 0 {
			return errorStyle.Render(fmt.Sprintf("%d", n))
		}
		return statsValueStyle.Render("0")
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Queued:"), count(st.FramesQueued),
		statsLabelStyle.Render("Sent:"), count(st.FramesSent),
		statsLabelStyle.Render("Confirmed:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.FramesConfirmed, confirmedPercent)),
		statsLabelStyle.Render("Retries:"), count(st.Retries),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Bus Frames:"), count(st.BusFrames),
		statsLabelStyle.Render("Echoes:"), count(st.BusEchoes),
		statsLabelStyle.Render("Acks:"), count(st.AcksSent),
		statsLabelStyle.Render("Rx Bytes:"), count(st.RxBytes),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Dropped:"), failures(st.RetriesExhausted+st.FramesDropped),
		statsLabelStyle.Render("Host Errors:"), failures(st.ValidationFailures+st.QueueFull+st.HostTimeouts+st.ProtocolViolations),
		statsLabelStyle.Render("Bus Errors:"), failures(st.BusRejected+st.RxParityErrors+st.RxFramingErrors+st.RxOverruns),
		statsLabelStyle.Render("Ack Missed:"), failures(st.AckSlotsMissed),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Queue:"), statsValueStyle.Render(fmt.Sprintf("%d/%d", st.QueueDepth, st.QueueCapacity)),
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Frame input
	s.WriteString(statsLabelStyle.Render("Send Frame (hex, check byte appended):"))
	s.WriteString("\n")
	inputContent := m.input.View()
	if m.inputErr != "" {
		inputContent += "\n" + errorStyle.Render(m.inputErr)
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(inputContent))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	if n := m.dropped.Load(); n > 0 {
		s.WriteString(headerStyle.Render(fmt.Sprintf(" (%d not shown)", n)))
	}
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 20 // Reserve space for header, stats and input
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			var line string
			switch entry.kind {
			case entryError:
				line = errorStyle.Render("✗ " + entry.message)
			case entryHost:
				line = hostStyle.Render(entry.message)
			default:
				line = warningStyle.Render("ℹ " + entry.message)
			}
			logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), line))
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, unit(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}
