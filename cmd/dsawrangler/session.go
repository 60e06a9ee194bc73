package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dsawrangler/internal/config"
	"dsawrangler/internal/core/caseid"
	"dsawrangler/internal/core/protocol"
	"dsawrangler/internal/core/record"
	coresync "dsawrangler/internal/core/sync"
	"dsawrangler/internal/dsa"
	"dsawrangler/internal/workspace"
)

const requestTimeout = 30 * time.Second

// session is one command's view of the workspace: the restored store plus
// the database it is written back to.
type session struct {
	ws    *workspace.Workspace
	store *record.Store
}

// withSession restores the workspace, runs fn and saves the store back even
// when fn fails, so partial sync results are never lost.
func withSession(ctx context.Context, fn func(ctx context.Context, s *session) error) (err error) {
	ws, err := workspace.Open(settings.Workspace.Path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, ws.Close()) }()

	s := &session{ws: ws, store: record.NewStore()}
	if _, err := ws.Restore(ctx, s.store); err != nil {
		return fmt.Errorf("restore workspace %s: %w", ws.Path(), err)
	}
	runErr := fn(ctx, s)
	// Save on a fresh context so an interrupt does not discard progress.
	if err := ws.Save(context.WithoutCancel(ctx), s.store); err != nil {
		return errors.Join(runErr, fmt.Errorf("save workspace: %w", err))
	}
	return runErr
}

func requireRecords(s *session) error {
	if s.store.Len() == 0 {
		return errors.New("workspace is empty; run 'dsawrangler load csv|dsa' first")
	}
	return nil
}

func (s *session) assigner() *caseid.Assigner {
	return caseid.New(s.store,
		caseid.WithPrefix(settings.Identifiers.Prefix),
		caseid.WithChunkSize(settings.Identifiers.ChunkSize))
}

func (s *session) protocols() *protocol.Engine {
	return protocol.New(s.store,
		protocol.WithIgnoreName(settings.Protocols.IgnoreName),
		protocol.WithFuzzyPenalty(settings.Protocols.FuzzyPenalty))
}

func requireServer() error {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return fmt.Errorf("no DSA server configured; set %s or run 'dsawrangler login --url ...'", config.KeyAPIURL)
	}
	return nil
}

func transportOptions(metrics *dsa.Metrics) dsa.TransportOptions {
	opts := dsa.DefaultTransportOptionsFromEnv(cfg.APIURL)
	if metrics != nil {
		opts.Metrics = metrics
	}
	return opts
}

// httpClient builds the retrying, rate-limited client for one-off DSA calls.
// Sync jobs use coresync.NewDSASubmitter instead, which leaves retries to the
// engine.
func httpClient(metrics *dsa.Metrics) *http.Client {
	return dsa.NewHTTPClient(transportOptions(metrics), requestTimeout)
}

func dsaClient(metrics *dsa.Metrics) *dsa.Client {
	return dsa.New(cfg.APIURL, cfg.Token, dsa.WithHTTPClient(httpClient(metrics)))
}

func credential() coresync.Credential {
	return coresync.Credential{BaseURL: cfg.APIURL, Token: cfg.Token}
}

func syncOptions() coresync.Options {
	return coresync.Options{
		Credential:  credential(),
		BatchSize:   settings.Sync.BatchSize,
		MaxAttempts: settings.Sync.MaxAttempts,
		RetryDelay:  settings.Sync.RetryDelay,
		BatchDelay:  settings.Sync.BatchDelay,
		Timeout:     settings.Sync.Timeout,
	}
}

func parseKind(s string) (record.ProtocolKind, error) {
	k := record.ProtocolKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown protocol kind %q (stain or region)", s)
	}
	return k, nil
}
