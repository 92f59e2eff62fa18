package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"adas-system/driver-monitor/internal/models"
)

type Answer string

const (
	AnswerAllow      Answer = "allow"
	AnswerDeny       Answer = "deny"
	AnswerDenyAlways Answer = "deny_always"
)

func ParseAnswer(s string) (Answer, error) {
	switch a := Answer(s); a {
	case AnswerAllow, AnswerDeny, AnswerDenyAlways:
		return a, nil
	}
	return "", fmt.Errorf("unknown answer %q", s)
}

// State is the consent an answer records.
func (a Answer) State() models.PermissionState {
	switch a {
	case AnswerAllow:
		return models.PermissionGranted
	case AnswerDenyAlways:
		return models.PermissionBlocked
	default:
		return models.PermissionDenied
	}
}

// Prompter asks the driver for one scope.
type Prompter interface {
	Prompt(ctx context.Context, scope models.PermissionScope) (Answer, error)
}

type PrompterFunc func(ctx context.Context, scope models.PermissionScope) (Answer, error)

func (f PrompterFunc) Prompt(ctx context.Context, scope models.PermissionScope) (Answer, error) {
	return f(ctx, scope)
}

// ChannelPrompter forwards prompts to the presentation layer as notifications
// and waits for the answer to be delivered through Answer.
type ChannelPrompter struct {
	notify func(models.Notification)

	mu      sync.Mutex
	pending map[models.PermissionScope]chan Answer
}

func NewChannelPrompter(notify func(models.Notification)) *ChannelPrompter {
	return &ChannelPrompter{
		notify:  notify,
		pending: make(map[models.PermissionScope]chan Answer),
	}
}

func (p *ChannelPrompter) Prompt(ctx context.Context, scope models.PermissionScope) (Answer, error) {
	ch := make(chan Answer, 1)
	p.mu.Lock()
	p.pending[scope] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.pending[scope] == ch {
			delete(p.pending, scope)
		}
		p.mu.Unlock()
	}()

	p.notify(models.Notification{
		Kind:    models.NotifyPermissionNeeded,
		Title:   "Permission required",
		Message: fmt.Sprintf("Allow %s access to record trips", scope),
		Action:  "answer_permission:" + string(scope),
		At:      time.Now(),
	})

	select {
	case a := <-ch:
		return a, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrNoAnswer, ctx.Err())
	}
}

// Answer delivers the driver's choice. It reports false when no prompt for
// scope is waiting.
func (p *ChannelPrompter) Answer(scope models.PermissionScope, a Answer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.pending[scope]
	if !ok {
		return false
	}
	delete(p.pending, scope)
	ch <- a
	return true
}

// Pending lists scopes waiting for an answer.
func (p *ChannelPrompter) Pending() []models.PermissionScope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PermissionScope, 0, len(p.pending))
	for s := range p.pending {
		out = append(out, s)
	}
	return out
}
