package collector

import (
	"strings"

	"github.com/clashmeter/clashmeter/internal/geoip"
	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/netutil"
)

// CanonicalChain joins the upstream proxy-first chains array into the
// canonical "<proxy> > … > <rule>" form.
func CanonicalChain(chains []string) string {
	return strings.Join(chains, " > ")
}

// LandingProxy returns the first chain segment, or "DIRECT" when the
// upstream reports no chain.
func LandingProxy(chains []string) string {
	if len(chains) == 0 || chains[0] == "" {
		return "DIRECT"
	}
	return chains[0]
}

// buildIdentity freezes a connection's dimensional descriptors from the
// snapshot that first introduces it. Host may be empty (raw-ip traffic);
// dimensions with empty keys are skipped downstream.
func buildIdentity(snap model.ConnectionSnapshot, geo geoip.Resolver) model.Identity {
	id := model.Identity{
		Host:          snap.Host,
		DestinationIP: snap.DestinationIP,
		Chain:         CanonicalChain(snap.Chains),
		LandingProxy:  LandingProxy(snap.Chains),
		Rule:          snap.Rule,
		SourceIP:      snap.SourceIP,
	}
	if id.Host != "" {
		id.RootDomain = netutil.ExtractDomain(id.Host)
	}
	if geo != nil && id.DestinationIP != "" {
		if info, err := geo.Lookup(id.DestinationIP); err == nil {
			id.CountryCode = info.CountryCode
			id.Location = info.Location
		}
	}
	return id
}
