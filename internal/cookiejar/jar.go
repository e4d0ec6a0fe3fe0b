// Package cookiejar provides a serializable cookie jar so that
// cookie-transport auth survives restarts. The standard library jar
// cannot be serialized, hence the hand-rolled store.
package cookiejar

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// SessionCookieName is the cookie the server issues at login.
const SessionCookieName = "xipher_token"

type cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"http_only"`
}

// Jar is a host-scoped cookie store implementing http.CookieJar.
type Jar struct {
	mu      sync.RWMutex
	cookies []cookie
}

// New creates an empty jar.
func New() *Jar {
	return &Jar{}
}

// SetCookies stores cookies received from the given URL.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = u.Hostname()
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		j.removeLocked(c.Name, domain)
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}
		j.cookies = append(j.cookies, cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
}

// Cookies returns the cookies to send with a request to the given URL.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*http.Cookie
	for _, c := range j.cookies {
		if !matches(c, u) {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// CookieHeader renders the Cookie header value for a URL, or "".
func (j *Jar) CookieHeader(u *url.URL) string {
	parts := make([]string, 0, 2)
	for _, c := range j.Cookies(u) {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// SessionToken returns the session cookie value for a URL, or "".
// Used as the auth credential fallback when no bearer token is held.
func (j *Jar) SessionToken(u *url.URL) string {
	for _, c := range j.Cookies(u) {
		if c.Name == SessionCookieName && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// SetSessionCookie installs the session cookie for the server host.
func (j *Jar) SetSessionCookie(baseURL, token string) {
	if baseURL == "" || token == "" {
		return
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.removeLocked(SessionCookieName, u.Hostname())
	j.cookies = append(j.cookies, cookie{
		Name:     SessionCookieName,
		Value:    token,
		Domain:   u.Hostname(),
		Path:     "/",
		Secure:   u.Scheme == "https",
		HTTPOnly: true,
	})
}

// ClearSessionCookie removes the session cookie for every host.
func (j *Jar) ClearSessionCookie() {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if c.Name != SessionCookieName {
			kept = append(kept, c)
		}
	}
	j.cookies = kept
}

// Serialize encodes the jar for the secret store.
func (j *Jar) Serialize() ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return json.Marshal(struct {
		Cookies []cookie `json:"cookies"`
	}{Cookies: j.cookies})
}

// Deserialize restores a jar previously produced by Serialize.
// Malformed input leaves the jar unchanged.
func (j *Jar) Deserialize(data []byte) {
	if len(data) == 0 {
		return
	}
	var decoded struct {
		Cookies []cookie `json:"cookies"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return
	}
	if len(decoded.Cookies) == 0 {
		return
	}
	j.mu.Lock()
	j.cookies = decoded.Cookies
	j.mu.Unlock()
}

// RedactCookieHeader masks every cookie value for logging.
func RedactCookieHeader(header string) string {
	if header == "" {
		return header
	}
	parts := strings.Split(header, ";")
	redacted := make([]string, 0, len(parts))
	for _, part := range parts {
		name, _, found := strings.Cut(part, "=")
		if !found {
			redacted = append(redacted, strings.TrimSpace(part))
			continue
		}
		redacted = append(redacted, strings.TrimSpace(name)+"=***")
	}
	return strings.Join(redacted, "; ")
}

func (j *Jar) removeLocked(name, domain string) {
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if !(c.Name == name && c.Domain == domain) {
			kept = append(kept, c)
		}
	}
	j.cookies = kept
}

func matches(c cookie, u *url.URL) bool {
	host := u.Hostname()
	if !strings.EqualFold(c.Domain, host) {
		return false
	}
	if c.Secure && u.Scheme != "https" && u.Scheme != "wss" {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return strings.HasPrefix(path, c.Path)
}
