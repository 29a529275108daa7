package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"sync"
)

// Directory resolves API users. It is consulted once per connection for the
// transport-proven identity and once per request for the Authorization
// header, from many connection goroutines concurrently.
type Directory interface {
	// ByClientCN returns the user matching a verified client-certificate
	// common name, or nil.
	ByClientCN(cn string) *User
	// ByAuthHeader returns the user matching an Authorization header
	// value, or nil if the header is absent, malformed or the
	// credentials do not verify.
	ByAuthHeader(header string) *User
}

// StaticDirectory is an in-memory Directory, safe for concurrent use.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewStaticDirectory builds a directory from a fixed user set.
func NewStaticDirectory(users ...*User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]*User, len(users))}
	for _, u := range users {
		d.users[u.Name] = u
	}
	return d
}

// Upsert adds or replaces a user.
func (d *StaticDirectory) Upsert(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Name] = u
}

func (d *StaticDirectory) ByClientCN(cn string) *User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[cn]
}

func (d *StaticDirectory) ByAuthHeader(header string) *User {
	name, password, ok := ParseBasicAuth(header)
	if !ok {
		return nil
	}

	d.mu.RLock()
	user := d.users[name]
	d.mu.RUnlock()

	if user == nil {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return nil
	}
	return user
}

// ParseBasicAuth decodes an "Authorization: Basic" header value into a
// username and password.
func ParseBasicAuth(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	name, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return name, pass, true
}
