package visitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxIDAllocationAttempts bounds the allocate-then-retry loop used for
// visitor/session ids: a random int32 is proposed and inserted with
// ON CONFLICT (id) DO NOTHING, retrying on a collision. At this id space
// (~2^31) a collision on any single attempt is vanishingly unlikely; the
// bound exists only to fail loudly instead of looping forever.
const maxIDAllocationAttempts = 5

// Cookie names are exported so C8's pipeline can read the incoming request's
// cookies without importing package-private constants.
const (
	VisitorCookieName = "_temps_visitor_id"
	SessionCookieName = "_temps_sid"

	visitorCookieName = VisitorCookieName
	sessionCookieName = SessionCookieName
	visitorTTL        = 365 * 24 * time.Hour
	sessionTTL        = 30 * time.Minute
)

// Visitor identifies a browser across sessions.
type Visitor struct {
	ID          int32
	FirstSeenAt time.Time
	IsCrawler   bool
	CrawlerName string
}

// Session identifies one visit within a visitor's lifetime.
type Session struct {
	ID        int32
	VisitorID int32
	StartedAt time.Time
	IsNew     bool
}

type visitorPayload struct {
	VisitorID   int32 `json:"visitor_id"`
	FirstSeenTs int64 `json:"first_seen_ts"`
}

type sessionPayload struct {
	SessionID int32 `json:"session_id"`
	VisitorID int32 `json:"visitor_id"`
	StartedAt int64 `json:"started_at"`
}

// Manager issues and validates the two identity cookies and persists
// visitor/session rows. Each create proposes a random id and inserts it with
// ON CONFLICT (id) DO NOTHING, proposing a new id on collision. Two
// concurrent misses for the same browser therefore insert two separate
// rows; neither re-reads the other's row.
type Manager struct {
	pool   *pgxpool.Pool
	crypto *Crypto
}

func NewManager(pool *pgxpool.Pool, crypto *Crypto) *Manager {
	return &Manager{pool: pool, crypto: crypto}
}

// GetOrCreateVisitor decrypts cookieValue if present; on a missing cookie or
// a decrypt failure it allocates a new visitor and reports that a fresh
// cookie must be set via GenerateVisitorCookie.
func (m *Manager) GetOrCreateVisitor(ctx context.Context, cookieValue, userAgent, clientIP string) (Visitor, bool, error) {
	if cookieValue != "" {
		if v, ok, err := m.decodeVisitor(ctx, cookieValue); err == nil && ok {
			return v, false, nil
		}
	}

	now := time.Now().UTC()
	crawler, crawlerName := classifyCrawler(userAgent)

	id, err := m.allocateVisitorID(ctx, now, crawler, crawlerName, clientIP)
	if err != nil {
		return Visitor{}, false, err
	}

	return Visitor{ID: id, FirstSeenAt: now, IsCrawler: crawler, CrawlerName: crawlerName}, true, nil
}

// allocateVisitorID inserts a fresh visitor row, proposing a new random i32
// id and retrying on a primary-key collision.
func (m *Manager) allocateVisitorID(ctx context.Context, now time.Time, crawler bool, crawlerName, clientIP string) (int32, error) {
	for attempt := 0; attempt < maxIDAllocationAttempts; attempt++ {
		id := rand.Int32()
		tag, err := m.pool.Exec(ctx, `
			INSERT INTO visitors (id, first_seen_at, is_crawler, crawler_name, last_client_ip)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5)
			ON CONFLICT (id) DO NOTHING`,
			id, now, crawler, crawlerName, clientIP)
		if err != nil {
			return 0, fmt.Errorf("insert visitor: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("allocate visitor id: exhausted %d attempts", maxIDAllocationAttempts)
}

func (m *Manager) decodeVisitor(ctx context.Context, cookieValue string) (Visitor, bool, error) {
	plaintext, err := m.crypto.Decrypt(cookieValue)
	if err != nil {
		return Visitor{}, false, err
	}
	var p visitorPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Visitor{}, false, err
	}

	var firstSeen time.Time
	var isCrawler bool
	var crawlerName *string
	err = m.pool.QueryRow(ctx,
		`SELECT first_seen_at, is_crawler, crawler_name FROM visitors WHERE id = $1`, p.VisitorID,
	).Scan(&firstSeen, &isCrawler, &crawlerName)
	if err == pgx.ErrNoRows {
		return Visitor{}, false, nil
	}
	if err != nil {
		return Visitor{}, false, err
	}

	v := Visitor{ID: p.VisitorID, FirstSeenAt: firstSeen, IsCrawler: isCrawler}
	if crawlerName != nil {
		v.CrawlerName = *crawlerName
	}
	return v, true, nil
}

// GetOrCreateSession mirrors GetOrCreateVisitor for the shorter-lived
// session cookie. A session always references an existing visitor; callers
// must resolve the visitor first.
func (m *Manager) GetOrCreateSession(ctx context.Context, cookieValue string, v Visitor, entryURL string) (Session, error) {
	if cookieValue != "" {
		if s, ok, err := m.decodeSession(ctx, cookieValue, v.ID); err == nil && ok {
			return s, nil
		}
	}

	now := time.Now().UTC()

	id, err := m.allocateSessionID(ctx, v.ID, now, entryURL)
	if err != nil {
		return Session{}, err
	}

	return Session{ID: id, VisitorID: v.ID, StartedAt: now, IsNew: true}, nil
}

// allocateSessionID inserts a fresh session row, proposing a new random i32
// id and retrying on a primary-key collision.
func (m *Manager) allocateSessionID(ctx context.Context, visitorID int32, now time.Time, entryURL string) (int32, error) {
	for attempt := 0; attempt < maxIDAllocationAttempts; attempt++ {
		id := rand.Int32()
		tag, err := m.pool.Exec(ctx, `
			INSERT INTO sessions (id, visitor_id, started_at, entry_url)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			id, visitorID, now, entryURL)
		if err != nil {
			return 0, fmt.Errorf("insert session: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("allocate session id: exhausted %d attempts", maxIDAllocationAttempts)
}

func (m *Manager) decodeSession(ctx context.Context, cookieValue string, expectVisitorID int32) (Session, bool, error) {
	plaintext, err := m.crypto.Decrypt(cookieValue)
	if err != nil {
		return Session{}, false, err
	}
	var p sessionPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Session{}, false, err
	}
	if p.VisitorID != expectVisitorID {
		return Session{}, false, nil
	}

	var startedAt time.Time
	err = m.pool.QueryRow(ctx,
		`SELECT started_at FROM sessions WHERE id = $1 AND visitor_id = $2`, p.SessionID, p.VisitorID,
	).Scan(&startedAt)
	if err == pgx.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}

	return Session{ID: p.SessionID, VisitorID: p.VisitorID, StartedAt: startedAt}, true, nil
}

// GenerateVisitorCookie builds the Set-Cookie header value for v.
func (m *Manager) GenerateVisitorCookie(v Visitor, secure bool) (string, error) {
	payload, err := json.Marshal(visitorPayload{VisitorID: v.ID, FirstSeenTs: v.FirstSeenAt.Unix()})
	if err != nil {
		return "", err
	}
	value, err := m.crypto.Encrypt(payload)
	if err != nil {
		return "", err
	}
	return buildCookie(visitorCookieName, value, visitorTTL, secure, http.SameSiteStrictMode), nil
}

// GenerateSessionCookie builds the Set-Cookie header value for s.
func (m *Manager) GenerateSessionCookie(s Session, secure bool) (string, error) {
	payload, err := json.Marshal(sessionPayload{SessionID: s.ID, VisitorID: s.VisitorID, StartedAt: s.StartedAt.Unix()})
	if err != nil {
		return "", err
	}
	value, err := m.crypto.Encrypt(payload)
	if err != nil {
		return "", err
	}
	return buildCookie(sessionCookieName, value, sessionTTL, secure, http.SameSiteStrictMode), nil
}

func buildCookie(name, value string, ttl time.Duration, secure bool, sameSite http.SameSite) string {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	}
	return c.String()
}

// ShouldTrackVisitor gates whether a completed request should produce a
// visitor/session write. Admin traffic, static assets, and non-HTML
// responses are not tracked; error responses (4xx/5xx) are tracked so
// failure patterns remain visible.
func ShouldTrackVisitor(path string, contentType string, status int) bool {
	if strings.HasPrefix(path, "/api/_temps") {
		return false
	}
	if isStaticAssetPath(path) {
		return false
	}
	if status >= 400 {
		return true
	}
	return strings.HasPrefix(contentType, "text/html")
}

func isStaticAssetPath(path string) bool {
	if strings.HasPrefix(path, "/assets/") {
		return true
	}
	for _, suffix := range []string{".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".woff", ".woff2", ".map"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func classifyCrawler(userAgent string) (isCrawler bool, name string) {
	ua := strings.ToLower(userAgent)
	crawlers := map[string]string{
		"googlebot":     "Googlebot",
		"bingbot":       "Bingbot",
		"slurp":         "Yahoo Slurp",
		"duckduckbot":   "DuckDuckBot",
		"baiduspider":   "Baiduspider",
		"yandexbot":     "YandexBot",
		"facebookexternalhit": "Facebook",
		"twitterbot":    "Twitterbot",
	}
	for needle, crawlerName := range crawlers {
		if strings.Contains(ua, needle) {
			return true, crawlerName
		}
	}
	return false, ""
}
