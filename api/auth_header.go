package api

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"

	"build-earn/domain"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const callerKey = "caller"

func bearerToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	// compact JWS: header.payload.signature
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// requireCaller authenticates every request in the group and stores the
// token subject for the handlers. A nil authenticator lets requests through
// anonymously.
func requireCaller(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if auth == nil {
				return next(c)
			}
			m := metricsFrom(c)
			start := m.clock()
			sub, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			m.ObserveAuth(m.clock().Sub(start))
			if err != nil {
				m.SetErrorStage("auth")
				return writeError(c, unauthenticatedError{err})
			}
			c.Set(callerKey, sub)
			return next(c)
		}
	}
}

// resolveCaller picks the acting user for a request. With authentication
// the token subject wins and a differing body id is refused; without it the
// body id is trusted.
func resolveCaller(c echo.Context, bodyID string) (string, error) {
	sub, _ := c.Get(callerKey).(string)
	switch {
	case sub == "":
		if bodyID == "" {
			return "", invalidInput("userId is required")
		}
		return bodyID, nil
	case bodyID != "" && bodyID != sub:
		return "", domain.ErrUnauthorized
	default:
		return sub, nil
	}
}
