package boltdriver

import (
	"fmt"
	"net/url"

	"github.com/nornax/bolt-driver/dberr"
)

type tlsMode int

const (
	tlsOff tlsMode = iota
	tlsVerified
	tlsSelfSigned
)

// target is the parsed form of a connection URI: where to dial, whether
// to engage routing, and how to secure the transport.
type target struct {
	address        string
	routed         bool
	tls            tlsMode
	routingContext map[string]string
}

// parseURI accepts the bolt/neo4j scheme family:
//
//	bolt, bolt+s, bolt+ssc      direct, with TLS variants
//	neo4j, neo4j+s, neo4j+ssc   routed, with TLS variants
//
// The query string becomes the routing context for routed schemes.
func parseURI(uri string) (target, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return target{}, &dberr.ConfigurationError{Message: fmt.Sprintf("invalid URI %q: %v", uri, err)}
	}

	var t target
	switch u.Scheme {
	case "bolt":
	case "bolt+s":
		t.tls = tlsVerified
	case "bolt+ssc":
		t.tls = tlsSelfSigned
	case "neo4j":
		t.routed = true
	case "neo4j+s":
		t.routed = true
		t.tls = tlsVerified
	case "neo4j+ssc":
		t.routed = true
		t.tls = tlsSelfSigned
	default:
		return target{}, &dberr.ConfigurationError{Message: fmt.Sprintf("unsupported URI scheme %q", u.Scheme)}
	}

	if u.Hostname() == "" {
		return target{}, &dberr.ConfigurationError{Message: "URI must carry a host"}
	}
	port := u.Port()
	if port == "" {
		port = "7687"
	}
	t.address = u.Hostname() + ":" + port

	query := u.Query()
	if !t.routed && len(query) > 0 {
		return target{}, &dberr.ConfigurationError{Message: "routing context is only legal with neo4j schemes"}
	}
	if t.routed {
		t.routingContext = map[string]string{"address": t.address}
		for k, vs := range query {
			if k == "address" {
				return target{}, &dberr.ConfigurationError{Message: "routing context key \"address\" is reserved"}
			}
			if len(vs) != 1 {
				return target{}, &dberr.ConfigurationError{Message: fmt.Sprintf("routing context key %q must have exactly one value", k)}
			}
			t.routingContext[k] = vs[0]
		}
	}
	return t, nil
}
