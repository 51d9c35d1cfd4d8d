package tui

import (
	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
)

// queueLoadedMsg carries one page of the review queue.
type queueLoadedMsg struct {
	page *service.ReviewPage
	err  error
}

// detailLoadedMsg carries the selected case.
type detailLoadedMsg struct {
	detail *engine.ReviewDetail
	err    error
	id     int64
}

// reviewSubmittedMsg reports the outcome of accepting a case.
type reviewSubmittedMsg struct {
	feedback *model.Feedback
	err      error
	id       int64
}
