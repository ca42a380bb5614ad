// Package boltdriver is a client driver speaking the Bolt binary protocol
// to a Neo4j database, single instance or routed cluster. Applications
// construct a Driver from a URI, open Sessions to run Cypher, and read
// lazily streamed Results; the driver manages authentication, transport
// security, connection pooling, cluster-aware routing, transaction retry
// and bookmark-based causal consistency.
package boltdriver

import (
	"github.com/nornax/bolt-driver/dbtype"
	"github.com/nornax/bolt-driver/internal/auth"
)

// Graph and temporal value types, re-exported from dbtype so application
// code only imports this package.
type (
	Node                = dbtype.Node
	Relationship        = dbtype.Relationship
	UnboundRelationship = dbtype.UnboundRelationship
	Path                = dbtype.Path
	Point               = dbtype.Point
	Date                = dbtype.Date
	LocalTime           = dbtype.LocalTime
	LocalDateTime       = dbtype.LocalDateTime
	OffsetTime          = dbtype.OffsetTime
	DateTime            = dbtype.DateTime
	Duration            = dbtype.Duration
	BrokenValue         = dbtype.BrokenValue
	Record              = dbtype.Record
)

// AuthToken is one set of credentials in a server-recognized scheme.
type AuthToken = auth.Token

// BasicAuth authenticates with username and password, realm optional.
func BasicAuth(username, password, realm string) AuthToken {
	return auth.Basic(username, password, realm)
}

// KerberosAuth authenticates with a base64-encoded Kerberos ticket.
func KerberosAuth(ticket string) AuthToken {
	return auth.Kerberos(ticket)
}

// BearerAuth authenticates with an SSO bearer token.
func BearerAuth(token string) AuthToken {
	return auth.Bearer(token)
}

// NoAuth connects without credentials, for servers with auth disabled.
func NoAuth() AuthToken {
	return auth.None()
}

// CustomAuth authenticates in an arbitrary server-side scheme.
func CustomAuth(scheme, principal, credentials, realm string, parameters map[string]any) AuthToken {
	return auth.Custom(scheme, principal, credentials, realm, parameters)
}

// AuthTokenProvider yields the current token on demand, letting rotating
// credentials (e.g. refreshed SSO tokens) re-resolve before each new
// connection or re-auth.
type AuthTokenProvider = auth.TokenProvider
