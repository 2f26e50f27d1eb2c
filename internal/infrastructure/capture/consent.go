package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lanscreen/internal/core/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoPendingRequest is returned when an answer arrives with no prompt open.
var ErrNoPendingRequest = errors.New("no consent request pending")

// AutoConsent grants every request with the primary screen. Used on
// headless hosts and in tests.
type AutoConsent struct {
	Selection domain.SourceSelection
}

func NewAutoConsent() *AutoConsent {
	return &AutoConsent{Selection: domain.SourceSelection{SourceID: "screen:0", Kind: "screen", Label: "Entire screen"}}
}

func (a *AutoConsent) RequestConsent(ctx context.Context, opts domain.CaptureOptions) (domain.SourceSelection, error) {
	if err := ctx.Err(); err != nil {
		return domain.SourceSelection{}, err
	}
	return a.Selection, nil
}

// ConsentRequest is an open prompt waiting for the user.
type ConsentRequest struct {
	ID        string                `json:"id"`
	Options   domain.CaptureOptions `json:"options"`
	CreatedAt time.Time             `json:"created_at"`
}

type consentAnswer struct {
	selection domain.SourceSelection
	granted   bool
}

// PendingPrompt parks a consent request until the presentation layer
// answers it through Answer. Only one request is open at a time.
type PendingPrompt struct {
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	pending *ConsentRequest
	answer  chan consentAnswer
}

func NewPendingPrompt(timeout time.Duration, logger *zap.SugaredLogger) *PendingPrompt {
	return &PendingPrompt{timeout: timeout, logger: logger}
}

func (p *PendingPrompt) RequestConsent(ctx context.Context, opts domain.CaptureOptions) (domain.SourceSelection, error) {
	req := &ConsentRequest{ID: uuid.NewString(), Options: opts, CreatedAt: time.Now()}
	answer := make(chan consentAnswer, 1)

	p.mu.Lock()
	if p.pending != nil {
		p.mu.Unlock()
		return domain.SourceSelection{}, domain.ErrCaptureInProgress
	}
	p.pending = req
	p.answer = answer
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.pending == req {
			p.pending = nil
			p.answer = nil
		}
		p.mu.Unlock()
	}()

	p.logger.Infow("waiting for capture consent", "request_id", req.ID, "timeout", p.timeout)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return domain.SourceSelection{}, ctx.Err()
	case <-timer.C:
		return domain.SourceSelection{}, fmt.Errorf("%w: consent timed out", domain.ErrNoSourceSelected)
	case a := <-answer:
		if !a.granted {
			return domain.SourceSelection{}, domain.ErrPermissionDenied
		}
		if a.selection.SourceID == "" {
			return domain.SourceSelection{}, domain.ErrNoSourceSelected
		}
		return a.selection, nil
	}
}

// Pending returns the open request, if any.
func (p *PendingPrompt) Pending() (ConsentRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return ConsentRequest{}, false
	}
	return *p.pending, true
}

// Answer resolves the open request. An empty selection with granted=true
// means the user closed the picker without choosing.
func (p *PendingPrompt) Answer(selection domain.SourceSelection, granted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return ErrNoPendingRequest
	}
	select {
	case p.answer <- consentAnswer{selection: selection, granted: granted}:
	default:
		return ErrNoPendingRequest
	}
	return nil
}
