package main

import (
	"context"
	"errors"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"voicedeck/internal/bootstrap"
	"voicedeck/internal/config"
	"voicedeck/internal/domain"
	"voicedeck/internal/usecase"
	"voicedeck/internal/wakelock"
)

const (
	eventSession  = "voicedeck:session"
	eventNotice   = "voicedeck:notice"
	eventNavigate = "voicedeck:navigate"
)

// App is the Wails application root. It implements the event sink, notifier
// and navigator ports by forwarding to the frontend event bus.
type App struct {
	ctx context.Context

	controller *usecase.SessionController
	wake       *wakelock.Coordinator
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, a, a)
	if err != nil {
		a.bootErr = err
		a.SessionChanged(domain.SessionSnapshot{State: domain.SessionStateError, Error: err.Error()})
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.wake = services.Wake
	a.SessionChanged(a.controller.GetSession())
}

func (a *App) shutdown(context.Context) {
	if a.controller != nil {
		a.controller.Close()
	}
	if a.wake != nil {
		a.wake.Close()
	}
}

// StartRecording begins a hands-free voice session addressed to team/role.
func (a *App) StartRecording(team string, role string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.StartRecording(team, role)
}

// StopRecording ends the hands-free voice session.
func (a *App) StopRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.StopRecording()
}

// GetSession returns the current session snapshot.
func (a *App) GetSession() domain.SessionSnapshot {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.SessionSnapshot{State: domain.SessionStateError, Error: a.bootErr.Error()}
		}
		return domain.SessionSnapshot{State: domain.SessionStateIdle}
	}
	return a.controller.GetSession()
}

// GetHistory returns recent command dispatches, newest first.
func (a *App) GetHistory() []domain.DispatchRecord {
	if a.controller == nil {
		return nil
	}
	return a.controller.GetHistory()
}

// HandleVisibilityChange mirrors window visibility into the wake lock.
func (a *App) HandleVisibilityChange(visible bool) {
	if a.wake == nil {
		return
	}
	a.wake.HandleVisibility(visible)
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"provider":         "Deepgram",
		"model":            a.cfg.Deepgram.Model,
		"language":         a.cfg.Deepgram.Language,
		"gatewayURL":       a.cfg.Gateway.BaseURL,
		"vocabularyFile":   a.cfg.Vocab.Path,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return errors.New("application is not initialized")
	}
	return nil
}

// SessionChanged pushes a session snapshot to the frontend.
func (a *App) SessionChanged(snap domain.SessionSnapshot) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, snap)
}

// Notify surfaces a transient notice banner in the frontend.
func (a *App) Notify(message string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventNotice, map[string]string{"message": message})
}

// NavigateTo asks the frontend router to change routes.
func (a *App) NavigateTo(path string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventNavigate, map[string]string{"path": path})
}
