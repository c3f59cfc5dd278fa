package world

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/msgs"
	"github.com/signalsfoundry/worldsim/kb"
)

func (w *World) registerHandlers() {
	w.router.Handle(msgs.KindInsertEntity, w.handleInsert)
	w.router.Handle(msgs.KindDeleteEntity, w.handleDelete)
	w.router.Handle(msgs.KindPause, w.handlePause)
	w.router.Handle(msgs.KindStep, w.handleStep)
	w.router.Handle(msgs.KindSelect, w.handleSelect)
	w.router.Handle(msgs.KindSetPose, w.handleSetPose)
	w.router.Handle(msgs.KindReset, w.handleReset)
}

func (w *World) handleInsert(_ context.Context, m msgs.Message) error {
	p := m.Insert
	if p.Model != nil {
		w.lifecycle.RequestInsertDescription(p.Model, p.Replace, p.Initialize)
		return nil
	}
	w.lifecycle.RequestInsert(p.Description, p.Replace, p.Initialize)
	return nil
}

func (w *World) handleDelete(_ context.Context, m msgs.Message) error {
	w.lifecycle.RequestDelete(m.Name)
	return nil
}

func (w *World) handlePause(ctx context.Context, m msgs.Message) error {
	if err := w.ctrl.SetPaused(m.Paused); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	w.log.Debug(ctx, "pause state changed", logging.Bool("paused", m.Paused))
	return nil
}

func (w *World) handleStep(_ context.Context, m msgs.Message) error {
	if err := w.ctrl.StepN(m.Steps); err != nil {
		return fmt.Errorf("step %d: %w", m.Steps, err)
	}
	return nil
}

func (w *World) handleSelect(_ context.Context, m msgs.Message) error {
	return w.SetSelectedEntity(m.Name)
}

func (w *World) handleSetPose(_ context.Context, m msgs.Message) error {
	e := w.registry.GetByName(m.Pose.Name)
	if e == nil {
		return fmt.Errorf("set pose %q: %w", m.Pose.Name, kb.ErrEntityNotFound)
	}
	e.SetPose(m.Pose.Pose)
	w.stateDirty = true
	return nil
}

func (w *World) handleReset(ctx context.Context, _ msgs.Message) error {
	return w.reset(ctx)
}
