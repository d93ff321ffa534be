// Package model contains the shared wire and domain types for the Forrst
// RPC protocol: requests, responses, the error taxonomy, and async
// operation records.
package model

import (
	"fmt"
	"strings"
)

// ProtocolName is the protocol identifier every request must carry.
const ProtocolName = "forrst"

// Protocol identifies the protocol a request or response speaks.
type Protocol struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Request is a single parsed RPC request. It is immutable after parsing;
// hooks and the dispatcher only ever read from it.
type Request struct {
	Protocol   Protocol               `json:"protocol"`
	ID         string                 `json:"id"`
	Call       Call                   `json:"call"`
	Context    map[string]any         `json:"context,omitempty"`
	Extensions []ExtensionDeclaration `json:"extensions,omitempty"`
}

// Call names the function to invoke and carries its arguments.
type Call struct {
	Function  string         `json:"function"`
	Version   string         `json:"version,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ExtensionDeclaration activates one extension for the scope of a request.
// Options are opaque to everything except the extension's own hook.
type ExtensionDeclaration struct {
	URN     URN            `json:"urn"`
	Options map[string]any `json:"options,omitempty"`
}

// StreamRequested reports whether the client asked for a streamed response
// via the request context.
func (r *Request) StreamRequested() bool {
	if r.Context == nil {
		return false
	}
	v, _ := r.Context["stream"].(bool)
	return v
}

// Extension returns the declaration for the given URN, if the request
// declared it.
func (r *Request) Extension(urn URN) (ExtensionDeclaration, bool) {
	for _, d := range r.Extensions {
		if d.URN == urn {
			return d, true
		}
	}
	return ExtensionDeclaration{}, false
}

// URN is a validated extension or function identifier. Parse once at the
// ingestion boundary; everything downstream can rely on it being well formed.
type URN string

// ParseURN validates an identifier of the form "ns.name" or
// "urn:ns:name[:more]" with lowercase alphanumeric segments.
func ParseURN(s string) (URN, error) {
	if s == "" {
		return "", fmt.Errorf("urn: empty identifier")
	}
	sep := "."
	if strings.HasPrefix(s, "urn:") {
		s = s[len("urn:"):]
		sep = ":"
	}
	segments := strings.Split(s, sep)
	if len(segments) < 2 {
		return "", fmt.Errorf("urn: %q needs at least two segments", s)
	}
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("urn: %q contains an empty segment", s)
		}
		for _, c := range seg {
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' && c != '-' {
				return "", fmt.Errorf("urn: %q contains invalid character %q", s, c)
			}
		}
	}
	return URN(strings.Join(segments, sep)), nil
}

func (u URN) String() string { return string(u) }
