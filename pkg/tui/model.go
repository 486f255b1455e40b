// Package tui renders a live terminal view of the listener side.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"orientlink/pkg/protocol"
)

// ReadingMsg carries one reading into the program.
type ReadingMsg protocol.Reading

// ClosedMsg reports that the reading stream ended.
type ClosedMsg struct{}

type Model struct {
	Addr      string
	Precision int

	remote   string
	last     protocol.Sample
	hasLast  bool
	lastText string
	readings int
	samples  int
	bytes    int
	updated  time.Time
	closed   bool
}

func NewModel(addr string, precision int) Model {
	return Model{Addr: addr, Precision: precision}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case ReadingMsg:
		reading := protocol.Reading(msg)
		m.readings++
		m.bytes += len(reading.Raw)
		m.samples += len(reading.Samples)
		if reading.Remote != "" {
			m.remote = reading.Remote
		}
		if len(reading.Raw) > 0 {
			m.lastText = strings.TrimSpace(reading.Text())
		}
		if n := len(reading.Samples); n > 0 {
			m.last = reading.Samples[n-1]
			m.hasLast = true
		}
		m.updated = reading.Timestamp
	case ClosedMsg:
		m.closed = true
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "orientlink listener %s\n", m.Addr)
	status := "waiting for sender"
	switch {
	case m.closed:
		status = "connection closed"
	case m.remote != "":
		status = "connected by " + m.remote
	}
	fmt.Fprintf(&b, "status:   %s\n", status)
	fmt.Fprintf(&b, "readings: %d  samples: %d  bytes: %d\n", m.readings, m.samples, m.bytes)
	if m.hasLast {
		r := m.last.Rounded(m.Precision)
		fmt.Fprintf(&b, "X %*.*f  Y %*.*f  Z %*.*f\n",
			m.Precision+5, m.Precision, r.X,
			m.Precision+5, m.Precision, r.Y,
			m.Precision+5, m.Precision, r.Z)
	} else {
		b.WriteString("X -  Y -  Z -\n")
	}
	if m.lastText != "" {
		fmt.Fprintf(&b, "last:     %s\n", m.lastText)
	}
	if !m.updated.IsZero() {
		fmt.Fprintf(&b, "updated:  %s\n", m.updated.UTC().Format("15:04:05.000"))
	}
	b.WriteString("\npress q to quit\n")
	return b.String()
}

// Run drives the program from in until the user quits, in closes or ctx
// ends.
func Run(ctx context.Context, model Model, in <-chan protocol.Reading, input io.Reader, output io.Writer) error {
	p := tea.NewProgram(model, tea.WithInput(input), tea.WithOutput(output))

	go func() {
		for {
			select {
			case <-ctx.Done():
				p.Quit()
				return
			case reading, ok := <-in:
				if !ok {
					p.Send(ClosedMsg{})
					return
				}
				p.Send(ReadingMsg(reading))
			}
		}
	}()

	_, err := p.Run()
	return err
}
