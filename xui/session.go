package xui

import (
	"time"
)

// Session is the cookie-based authentication state for one panel server.
// The client never stores it; callers pass it in, the client mutates it,
// and persisting it back onto the server row is the caller's concern.
type Session struct {
	Cookie           string
	CookieName       string
	ExpiresAt        time.Time
	LoginAttempts    int
	LastLoginAttempt time.Time
	LockedUntil      time.Time
}

// Valid reports whether the cached cookie can still be presented.
func (s *Session) Valid(now time.Time) bool {
	return s.Cookie != "" && now.Before(s.ExpiresAt)
}

// LockedOut reports whether login attempts are short-circuited. Once the
// attempt counter reaches maxAttempts the session is locked: until
// LockedUntil when a cool-down was armed, or until a manual unlock when it
// was not.
func (s *Session) LockedOut(now time.Time, maxAttempts int) bool {
	if maxAttempts <= 0 || s.LoginAttempts < maxAttempts {
		return false
	}
	if s.LockedUntil.IsZero() {
		return true
	}
	return now.Before(s.LockedUntil)
}

// RecordFailure bumps the attempt counter and arms the cool-down once the
// threshold is crossed. A zero cooldown leaves LockedUntil unset, which
// requires an explicit Unlock.
func (s *Session) RecordFailure(now time.Time, maxAttempts int, cooldown time.Duration) {
	s.LoginAttempts++
	s.LastLoginAttempt = now
	if maxAttempts > 0 && s.LoginAttempts >= maxAttempts && cooldown > 0 {
		s.LockedUntil = now.Add(cooldown)
	}
}

// Establish installs a fresh cookie and clears the failure state.
func (s *Session) Establish(cookieName, cookie string, now time.Time, ttl time.Duration) {
	s.Cookie = cookie
	s.CookieName = cookieName
	s.ExpiresAt = now.Add(ttl)
	s.LoginAttempts = 0
	s.LastLoginAttempt = now
	s.LockedUntil = time.Time{}
}

// Unlock resets the lockout counters. With clearCookie the cached cookie is
// dropped too, forcing a fresh login on the next call.
func (s *Session) Unlock(clearCookie bool) {
	s.LoginAttempts = 0
	s.LockedUntil = time.Time{}
	if clearCookie {
		s.Cookie = ""
		s.CookieName = ""
		s.ExpiresAt = time.Time{}
	}
}
