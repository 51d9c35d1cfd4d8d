// Package tui implements the interactive review-queue browser.
package tui

import (
	"context"
	"fmt"

	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// listWidth is the width of the queue pane; the detail pane takes the rest.
const listWidth = 44

// Model holds the browser state.
type Model struct {
	ctx        context.Context
	reviewer   Reviewer
	lastError  error
	detail     *engine.ReviewDetail
	help       help.Model
	config     Config
	keymap     KeyMap
	status     string
	items      []model.Feedback
	viewport   viewport.Model
	cursor     int
	page       int
	totalPages int
	totalItems int
	width      int
	height     int
	loading    bool
	quitting   bool
}

// NewModel creates a browser over reviewer.
func NewModel(ctx context.Context, reviewer Reviewer, opts ...Option) Model {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := Model{
		ctx:      ctx,
		reviewer: reviewer,
		config:   cfg,
		keymap:   DefaultKeyMap(),
		help:     help.New(),
		viewport: viewport.New(0, 0),
		page:     1,
		loading:  true,
	}
	m.resize(cfg.Width, cfg.Height)
	return m
}

// Init loads the first page.
func (m Model) Init() tea.Cmd {
	return m.loadQueue(m.page)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case queueLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.lastError = msg.err
			return m, nil
		}
		m.lastError = nil
		m.items = msg.page.Items
		m.page = msg.page.Page
		m.totalPages = msg.page.TotalPages
		m.totalItems = msg.page.TotalItems
		m.cursor = max(0, min(m.cursor, len(m.items)-1))
		if len(m.items) == 0 {
			m.detail = nil
			m.viewport.SetContent("")
			return m, nil
		}
		return m, m.loadDetail(m.items[m.cursor].ID)

	case detailLoadedMsg:
		if msg.err != nil {
			m.lastError = msg.err
			return m, nil
		}
		// A slower load for a case no longer selected is dropped.
		if sel, ok := m.selected(); !ok || sel.ID != msg.id {
			return m, nil
		}
		m.detail = msg.detail
		m.viewport.SetContent(renderDetail(msg.detail))
		m.viewport.GotoTop()
		return m, nil

	case reviewSubmittedMsg:
		if msg.err != nil {
			m.lastError = msg.err
			m.status = ""
			return m, nil
		}
		m.lastError = nil
		m.status = fmt.Sprintf("Feedback %d marked reviewed", msg.id)
		m.loading = true
		return m, m.loadQueue(m.page)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keymap.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keymap.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.resize(m.width, m.height)
		return m, nil

	case key.Matches(msg, m.keymap.Up):
		return m.moveCursor(-1)

	case key.Matches(msg, m.keymap.Down):
		return m.moveCursor(1)

	case key.Matches(msg, m.keymap.NextPage):
		if m.page < m.totalPages {
			m.cursor = 0
			m.loading = true
			return m, m.loadQueue(m.page + 1)
		}
		return m, nil

	case key.Matches(msg, m.keymap.PrevPage):
		if m.page > 1 {
			m.cursor = 0
			m.loading = true
			return m, m.loadQueue(m.page - 1)
		}
		return m, nil

	case key.Matches(msg, m.keymap.Reload):
		m.status = ""
		m.loading = true
		return m, m.loadQueue(m.page)

	case key.Matches(msg, m.keymap.Accept):
		if m.detail == nil {
			return m, nil
		}
		return m, m.accept(*m.detail.Feedback)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) moveCursor(delta int) (tea.Model, tea.Cmd) {
	next := m.cursor + delta
	if next < 0 || next >= len(m.items) {
		return m, nil
	}
	m.cursor = next
	m.detail = nil
	return m, m.loadDetail(m.items[next].ID)
}

func (m Model) selected() (model.Feedback, bool) {
	if m.cursor < 0 || m.cursor >= len(m.items) {
		return model.Feedback{}, false
	}
	return m.items[m.cursor], true
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.help.Width = width

	// Header, footer and pane borders.
	chrome := 6
	if m.help.ShowAll {
		chrome += 3
	}
	m.viewport.Width = max(10, width-listWidth-4)
	m.viewport.Height = max(3, height-chrome)
}
