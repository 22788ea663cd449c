// Package token issues and checks the short-lived access tokens handed to
// players. A token is "<32 hex chars>:<unix seconds>" and carries its own
// issuance time, so nothing is stored server side.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"

	"kptv-timeshift/work/logger"
)

// DefaultTTL is the lifetime used when a Manager is built with a zero TTL.
const DefaultTTL = 2400 * time.Second

// randomBytes is half the length of the hex prefix.
const randomBytes = 16

// Manager validates and mints tokens.
type Manager struct {
	TTL  time.Duration
	Now  func() time.Time
	Rand io.Reader
}

// NewManager returns a Manager using the wall clock and crypto/rand.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		TTL:  ttl,
		Now:  time.Now,
		Rand: rand.Reader,
	}
}

// IsValid reports whether tok is well formed and no older than the TTL.
// It fails closed on any malformed input.
func (m *Manager) IsValid(tok string) bool {
	parts := strings.Split(tok, ":")
	if len(parts) != 2 {
		return false
	}
	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	return m.Now().Unix()-issued <= int64(m.TTL/time.Second)
}

// Issue mints a fresh token stamped with the current time.
func (m *Manager) Issue() string {
	buf := make([]byte, randomBytes)
	if _, err := io.ReadFull(m.Rand, buf); err != nil {
		logger.Error("{token/token - Issue} random source failed: %v", err)
	}
	return hex.EncodeToString(buf) + ":" + strconv.FormatInt(m.Now().Unix(), 10)
}

// IssueOrReuse returns supplied when it is still valid, otherwise a new token.
func (m *Manager) IssueOrReuse(supplied string) string {
	if supplied != "" && m.IsValid(supplied) {
		return supplied
	}
	return m.Issue()
}
