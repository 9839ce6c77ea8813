// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package sso

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/astraldock/astraldock/internal/logging"
)

// ErrStateMismatch indicates the callback carried a state value that does
// not match the login attempt. The code is discarded.
var ErrStateMismatch = errors.New("sso: callback state mismatch")

// CallbackResult is what the browser redirect delivered.
type CallbackResult struct {
	Code string
}

// WaitForCallback runs a one-shot HTTP listener on the configured callback
// address and blocks until the SSO redirects the browser back, the context
// is cancelled, or the deadline passes. The expected state binds the
// callback to a specific login attempt.
func (c *Client) WaitForCallback(ctx context.Context, expectedState string) (*CallbackResult, error) {
	listener, err := net.Listen("tcp", c.cfg.CallbackAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on callback address: %w", err)
	}

	resultCh := make(chan *CallbackResult, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errCode := query.Get("error"); errCode != "" {
			http.Error(w, "Login was denied. You can close this window.", http.StatusBadRequest)
			errCh <- fmt.Errorf("sso: authorization denied: %s", errCode)
			return
		}
		if query.Get("state") != expectedState {
			http.Error(w, "Login state mismatch. Please retry from the application.", http.StatusBadRequest)
			errCh <- ErrStateMismatch
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code.", http.StatusBadRequest)
			errCh <- errors.New("sso: callback missing code parameter")
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><p>Login complete. You can close this window and return to Astraldock.</p></body></html>")
		resultCh <- &CallbackResult{Code: code}
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("callback server failed: %w", serveErr)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logging.Debug().Err(shutdownErr).Msg("Callback server shutdown")
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case callbackErr := <-errCh:
		return nil, callbackErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
