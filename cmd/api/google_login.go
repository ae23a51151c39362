package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/storyrelay/backend/internal/config"
)

const googleLoginTimeout = 5 * time.Minute

// googleOAuthConfig builds the desktop client config for the login flow.
// RedirectURL is filled in once the loopback listener is up.
func googleOAuthConfig(cfg config.GoogleConfig) (*oauth2.Config, error) {
	if len(cfg.ClientIDs) == 0 || cfg.ClientSecret == "" {
		return nil, errors.New("GOOGLE_CLIENT_IDS and GOOGLE_CLIENT_SECRET must be set")
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientIDs[0],
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"openid", "email"},
		Endpoint:     google.Endpoint,
	}, nil
}

type callbackResult struct {
	code string
	err  error
}

// loginWithGoogle runs the OAuth loopback flow: it listens on 127.0.0.1,
// hands the consent URL to openURL and exchanges the returned code for an
// ID token.
func loginWithGoogle(ctx context.Context, conf *oauth2.Config, openURL func(string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, googleLoginTimeout)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to listen for the OAuth callback: %w", err)
	}

	flow := *conf
	flow.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("state") != state:
			res.err = errors.New("state mismatch in OAuth callback")
		case q.Get("error") != "":
			res.err = fmt.Errorf("sign-in failed: %s", q.Get("error"))
		case q.Get("code") == "":
			res.err = errors.New("no code in OAuth callback")
		default:
			res.code = q.Get("code")
		}
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Signed in. You can close this window.")
		}
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := flow.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	if err := openURL(authURL); err != nil {
		return "", err
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for Google sign-in: %w", ctx.Err())
	}
	if res.err != nil {
		return "", res.err
	}

	token, err := flow.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", fmt.Errorf("failed to exchange code for token: %w", err)
	}
	idToken, ok := token.Extra("id_token").(string)
	if !ok || idToken == "" {
		return "", errors.New("token response has no id_token")
	}
	return idToken, nil
}
