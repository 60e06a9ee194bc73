package ui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"dsawrangler/internal/core/caseid"
	"dsawrangler/internal/core/conflict"
	"dsawrangler/internal/core/record"
	coresync "dsawrangler/internal/core/sync"
	"dsawrangler/internal/dsa"
	"dsawrangler/internal/infra/logx"
)

// ErrAborted is returned when the user leaves a prompt.
var ErrAborted = errors.New("aborted")

// RunLogin shows the login prompt and returns the validated token.
func RunLogin(apiURL, user string, auth Authenticator) (string, error) {
	final, err := tea.NewProgram(NewLoginModel(apiURL, user, auth)).Run()
	if err != nil {
		return "", err
	}
	m := final.(LoginModel)
	if m.Aborted() || m.Token() == "" {
		return "", ErrAborted
	}
	return m.Token(), nil
}

// RunSync starts eng on dirty and renders it until the engine returns. The
// engine's own result is returned even when the program fails to start.
func RunSync(ctx context.Context, title string, eng *coresync.Engine, dirty []record.Record, opts coresync.Options, metrics *dsa.Metrics) (coresync.Result, error) {
	p := tea.NewProgram(NewSyncModel(title, len(dirty), eng.Cancel, metrics))
	type outcome struct {
		res coresync.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.Start(ctx, dirty, opts, func(pr coresync.Progress) { p.Send(SyncProgressMsg(pr)) })
		done <- outcome{res, err}
		p.Send(SyncDoneMsg{Result: res, Err: err})
	}()
	if _, err := p.Run(); err != nil {
		logx.Warn("sync view failed, waiting for engine", logx.F{"err": err})
		eng.Cancel()
	}
	o := <-done
	return o.res, o.err
}

// RunAssign runs a bulk assignment under a progress view.
func RunAssign(ctx context.Context, a *caseid.Assigner, institution string) (caseid.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(NewAssignModel(institution, cancel))
	type outcome struct {
		sum caseid.Summary
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sum, err := a.AssignAllUnmapped(ctx, institution, func(pr caseid.Progress) { p.Send(AssignProgressMsg(pr)) })
		done <- outcome{sum, err}
		p.Send(AssignDoneMsg{Summary: sum, Err: err})
	}()
	if _, err := p.Run(); err != nil {
		logx.Warn("assign view failed, stopping run", logx.F{"err": err})
		cancel()
	}
	o := <-done
	return o.sum, o.err
}

// BrowseConflicts shows the conflict table until the user quits.
func BrowseConflicts(rel conflict.Relations) error {
	_, err := tea.NewProgram(NewConflictsModel(rel)).Run()
	return err
}
