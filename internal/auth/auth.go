// Package auth holds the authentication token model shared by the public
// driver facade and the connection pool. The facade re-exports Token under
// its own name; the pool only ever sees the wire map and the token's
// identity hash, never the credentials themselves in log output.
package auth

import (
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Token is one set of credentials in a server-recognized scheme.
type Token struct {
	Scheme      string
	Principal   string
	Credentials string
	Realm       string
	Parameters  map[string]any
}

// Basic builds a username/password token, realm optional.
func Basic(principal, credentials, realm string) Token {
	return Token{Scheme: "basic", Principal: principal, Credentials: credentials, Realm: realm}
}

// Kerberos builds a token carrying a base64-encoded Kerberos ticket.
func Kerberos(ticket string) Token {
	return Token{Scheme: "kerberos", Credentials: ticket}
}

// Bearer builds a token carrying an SSO bearer token.
func Bearer(token string) Token {
	return Token{Scheme: "bearer", Credentials: token}
}

// None builds an unauthenticated token for servers with auth disabled.
func None() Token {
	return Token{Scheme: "none"}
}

// Custom builds a token in an arbitrary server-side scheme.
func Custom(scheme, principal, credentials, realm string, parameters map[string]any) Token {
	return Token{Scheme: scheme, Principal: principal, Credentials: credentials, Realm: realm, Parameters: parameters}
}

// ToMap renders the token the way HELLO/LOGON carry it.
func (t Token) ToMap() map[string]any {
	m := map[string]any{"scheme": t.Scheme}
	if t.Principal != "" {
		m["principal"] = t.Principal
	}
	if t.Credentials != "" {
		m["credentials"] = t.Credentials
	}
	if t.Realm != "" {
		m["realm"] = t.Realm
	}
	if len(t.Parameters) > 0 {
		m["parameters"] = t.Parameters
	}
	return m
}

// ID returns a stable identity hash of the token: a blake2b-256 digest of
// the canonicalized wire map. The pool compares IDs to decide whether an
// idle connection's auth matches a caller's without retaining or logging
// the credentials, and the home-database cache keys on it as the
// principal's identity.
func (t Token) ID() string {
	h, _ := blake2b.New256(nil)
	writeCanonical(h.Write, t.ToMap())
	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical feeds a map into the hash with sorted keys so identical
// tokens always produce identical digests.
func writeCanonical(write func([]byte) (int, error), m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write([]byte(k))
		write([]byte{0})
		switch v := m[k].(type) {
		case string:
			write([]byte(v))
		case map[string]any:
			writeCanonical(write, v)
		default:
			// Non-string parameter values hash by their formatted form.
			write([]byte(formatAny(v)))
		}
		write([]byte{0})
	}
}

func formatAny(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int64:
		return itoa(x)
	case int:
		return itoa(int64(x))
	default:
		return "?"
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// TokenProvider yields the current token on demand. A static token is the
// common case; a rotating provider re-reads credentials (e.g. a refreshed
// SSO token) before each new connection or re-auth.
type TokenProvider interface {
	// GetToken returns the token to authenticate with right now.
	GetToken() (Token, error)
	// OnTokenExpired is called when the server rejects the current token,
	// letting the provider invalidate any cache before the next GetToken.
	OnTokenExpired(Token)
}

// StaticProvider wraps one fixed token.
type StaticProvider struct {
	Token Token
}

func (p StaticProvider) GetToken() (Token, error) { return p.Token, nil }
func (p StaticProvider) OnTokenExpired(Token)     {}
