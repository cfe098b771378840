package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/daedaluz/usbredir/hostengine"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
)

// statusReporter surfaces the redirection session's liveness either as a
// periodic logrus line or, with --tui, as a small bubbletea status view.
type statusReporter struct {
	log     *logrus.Logger
	useTUI  bool
	program *tea.Program
	cancel  context.CancelFunc
}

func newStatusReporter(log *logrus.Logger, useTUI bool) *statusReporter {
	return &statusReporter{log: log, useTUI: useTUI}
}

func (s *statusReporter) Start(ctx context.Context, host *hostengine.Host) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if !s.useTUI {
		go s.logLoop(ctx, host)
		return
	}
	s.program = tea.NewProgram(newStatusModel(host))
	go func() {
		if _, err := s.program.Run(); err != nil {
			s.log.WithError(err).Error("status view exited")
		}
	}()
	go func() {
		<-ctx.Done()
		s.program.Quit()
	}()
}

func (s *statusReporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *statusReporter) logLoop(ctx context.Context, host *hostengine.Host) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPercent, _ := psutil.Percent(0, false)
			cpu := 0.0
			if len(cpuPercent) > 0 {
				cpu = cpuPercent[0]
			}
			s.log.WithField("cpu_percent", cpu).Info("redirection session active")
		}
	}
}

type statusModel struct {
	host      *hostengine.Host
	cpuPct    float64
	startedAt time.Time
}

type tickMsg time.Time

func newStatusModel(host *hostengine.Host) statusModel {
	return statusModel{host: host, startedAt: time.Now()}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(tea.ClearScreen, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
	case tickMsg:
		cpuPercent, _ := psutil.Percent(0, false)
		if len(cpuPercent) > 0 {
			m.cpuPct = cpuPercent[0]
		}
		return m, tickCmd()
	}
	return m, nil
}

var statusStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("35"))

func (m statusModel) View() string {
	uptime := time.Since(m.startedAt).Round(time.Second)
	return fmt.Sprintf(
		"%s\n\nuptime: %s\ncpu: %.1f%%\ngo: %s\n\n(ctrl-c to quit)\n",
		statusStyle.Render("usbredirect"), uptime, m.cpuPct, runtime.Version(),
	)
}
