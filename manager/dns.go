package manager

import (
	"net"

	"github.com/miekg/dns"

	"github.com/chainkeeper/peernet/peer"
)

// dnsResolver is the well-known public resolver used for seed lookups.
// A production deployment would instead read /etc/resolv.conf; hardcoding
// one keeps the seed path simple and is consistent with other DNS seed
// implementations in the wider Bitcoin/Lightning ecosystem.
const dnsResolver = "8.8.8.8:53"

// resolveSeeds queries domain's A records and pairs each result with
// port, producing dial targets for nodes whose identity key is not yet
// known — unlike a configured boot node, a DNS seed address is tried
// without any pre-registered outgoing reservation, since the manager
// has no PeerId to key that reservation on until after the handshake.
func resolveSeeds(domain string, port int) ([]*net.TCPAddr, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	c := new(dns.Client)
	resp, _, err := c.Exchange(q, dnsResolver)
	if err != nil {
		return nil, err
	}

	addrs := make([]*net.TCPAddr, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{IP: a.A, Port: port})
	}
	return addrs, nil
}

// resolveAndDialSeeds is run once at Start when a DNS seed domain is
// configured. Each resolved address is dialed directly, bypassing the
// outgoing-set bookkeeping the control loop's bootstrap path uses, since
// that bookkeeping is keyed by PeerId and none is known yet.
func (m *Manager) resolveAndDialSeeds() {
	addrs, err := resolveSeeds(m.cfg.DNSSeedDomain, m.cfg.DNSSeedPort)
	if err != nil {
		log.Errorf("dns seed resolution for %v failed: %v", m.cfg.DNSSeedDomain, err)
		return
	}

	for _, addr := range addrs {
		go m.dial(peer.Info{Addr: addr})
	}
}
