package tui

import (
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
)

// Config holds TUI configuration.
type Config struct {
	Theme  Theme
	Filter service.ReviewFilter
	Width  int
	Height int
}

// Option is a functional option for configuring the TUI.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		Theme: DefaultTheme,
		Filter: service.ReviewFilter{
			Status:   model.FeedbackPending,
			Sort:     service.SortNewest,
			Page:     1,
			PageSize: service.DefaultPageSize,
		},
		Width:  100,
		Height: 30,
	}
}

// WithFilter sets the review queue filter. Page is ignored.
func WithFilter(filter service.ReviewFilter) Option {
	return func(c *Config) {
		c.Filter = filter
	}
}

// WithSize sets the initial terminal size.
func WithSize(width, height int) Option {
	return func(c *Config) {
		c.Width = width
		c.Height = height
	}
}

// WithTheme sets the visual theme.
func WithTheme(theme Theme) Option {
	return func(c *Config) {
		c.Theme = theme
	}
}
