package esi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Token is any of the three shapes spec §3/§9 names for RequestOptions.Token:
//
//   - a literal bearer string
//   - an oauth2.TokenSource (the deferred/refreshable shape — the idiomatic
//     Go equivalent of "a deferred value producing a token")
//   - a nullary callable, func(context.Context) (string, error)
//
// resolveToken collapses any of these to a plain string before header
// assembly, per spec §9 ("Token provider polymorphism... collapsed by the
// exchange to a resolved string before header assembly").
type Token any

// TokenFunc is the callable Token shape.
type TokenFunc func(ctx context.Context) (string, error)

// resolveToken resolves tok to a bearer string. When the resolved token is
// a JWT, it logs at Warn level if its exp claim has already passed and at
// Debug level if it expires within warnWindow (callers pass max_time),
// purely as an observability
// aid — the client only consumes tokens (spec §1) and never refreshes or
// validates them itself.
func resolveToken(ctx context.Context, tok Token, logger *slog.Logger, warnWindow time.Duration) (string, error) {
	var value string
	switch t := tok.(type) {
	case nil:
		return "", nil
	case string:
		value = t
	case oauth2.TokenSource:
		tk, err := t.Token()
		if err != nil {
			return "", fmt.Errorf("esi: resolving oauth2 token source: %w", err)
		}
		value = tk.AccessToken
	case TokenFunc:
		v, err := t(ctx)
		if err != nil {
			return "", fmt.Errorf("esi: resolving token callback: %w", err)
		}
		value = v
	case func(context.Context) (string, error):
		v, err := t(ctx)
		if err != nil {
			return "", fmt.Errorf("esi: resolving token callback: %w", err)
		}
		value = v
	default:
		return "", NewConfigurationError(fmt.Sprintf("unsupported token type %T", tok))
	}

	if logger != nil {
		warnIfExpiring(logger, value, warnWindow)
	}
	return value, nil
}

// warnIfExpiring best-effort parses value as an unverified JWT and logs if
// its exp claim is already past or within warnWindow. Parse failures
// (non-JWT bearer tokens are common and fine) are silently ignored.
func warnIfExpiring(logger *slog.Logger, value string, warnWindow time.Duration) {
	if value == "" {
		return
	}
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(value, claims)
	if err != nil {
		return
	}
	expVal, err := claims.GetExpirationTime()
	if err != nil || expVal == nil {
		return
	}
	remaining := time.Until(expVal.Time)
	if remaining <= 0 {
		logger.Warn("esi: bearer token already expired", "expired_ago", -remaining)
	} else if remaining < warnWindow {
		logger.Debug("esi: bearer token expires soon", "expires_in", remaining)
	}
}
