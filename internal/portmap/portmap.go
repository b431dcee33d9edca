// Package portmap defines the optional external-address provider. A
// real UPnP/NAT-PMP client would implement Provider; the node itself
// only consumes the candidate list and gossips it to peers.
package portmap

// Provider yields zero or more externally reachable addresses for this
// node, advertised alongside self-observed addresses.
type Provider interface {
	ExternalAddrs() []string
}

// Static is a fixed candidate list, typically from configuration.
type Static []string

func (s Static) ExternalAddrs() []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// None is the disabled provider.
var None Provider = Static(nil)
