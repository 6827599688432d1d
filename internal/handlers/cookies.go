package handlers

import (
	"net/http"
	"time"
)

const RefreshCookieName = "refresh-token"

// Refresh token cookie settings
type RefreshCookie struct {
	// Has to be true everywhere except local development over plain HTTP
	Secure bool

	// Cookie lifetime, same as refresh token one
	TTL time.Duration
}

func (c RefreshCookie) Set(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(c.TTL).UTC(),
		MaxAge:   int(c.TTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c RefreshCookie) Remove(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Refresh token value from request cookie; empty if not set
func refreshFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
