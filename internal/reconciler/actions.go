package reconciler

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/callsync/internal/session"
)

// Action is a user-level presentation action
type Action string

const (
	ActionOpen     Action = "open"
	ActionClose    Action = "close"
	ActionMinimize Action = "minimize"
	ActionRestore  Action = "restore"

	// ActionSetExtension changes the agent's line; it carries a value
	ActionSetExtension Action = "set_extension"
)

// ParseAction validates an action name coming from the UI or the API
func ParseAction(name string) (Action, error) {
	switch a := Action(name); a {
	case ActionOpen, ActionClose, ActionMinimize, ActionRestore:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", name)
}

// Do applies a presentation action and returns the resulting snapshot
func (r *Reconciler) Do(ctx context.Context, action Action) (session.Snapshot, error) {
	return r.act(ctx, actionMsg{action: action})
}

// HandleAction applies a named presentation action, as sent by a UI client
func (r *Reconciler) HandleAction(ctx context.Context, name string) error {
	action, err := ParseAction(name)
	if err != nil {
		return err
	}
	_, err = r.Do(ctx, action)
	return err
}

// SetAgentExtension changes the extension the new-call poller watches
func (r *Reconciler) SetAgentExtension(ctx context.Context, extension string) (session.Snapshot, error) {
	return r.act(ctx, actionMsg{action: ActionSetExtension, value: extension})
}

func (r *Reconciler) act(ctx context.Context, m actionMsg) (session.Snapshot, error) {
	m.reply = make(chan session.Snapshot, 1)
	select {
	case r.inbox <- m:
	case <-r.done:
		return session.Snapshot{}, ErrStopped
	case <-ctx.Done():
		return session.Snapshot{}, ctx.Err()
	}

	select {
	case snap := <-m.reply:
		return snap, nil
	case <-r.done:
		return session.Snapshot{}, ErrStopped
	case <-ctx.Done():
		return session.Snapshot{}, ctx.Err()
	}
}

// applyAction toggles presentation flags. Close is the one action that
// changes state: it always clears the slot and cancels the wrap-up timer.
func (r *Reconciler) applyAction(action Action, value string) session.Snapshot {
	switch action {
	case ActionClose:
		r.destroy("dismissed")
		return r.store.Snapshot()

	case ActionSetExtension:
		if value != r.agentExtension {
			r.logger.Info().Str("from", r.agentExtension).Str("to", value).Msg("agent extension changed")
			r.agentExtension = value
		}
		return r.store.Snapshot()
	}

	if r.store.Snapshot().Session == nil {
		return r.store.Snapshot()
	}

	return r.store.Update(func(s *session.Snapshot) {
		switch action {
		case ActionOpen, ActionRestore:
			s.Visible = true
			s.Minimized = false
		case ActionMinimize:
			if s.Visible {
				s.Minimized = true
			}
		}
	})
}
