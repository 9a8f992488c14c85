package admin

import (
	"sort"

	"github.com/cr0hn/rpc-gateway/internal/config"
	"github.com/cr0hn/rpc-gateway/internal/logger"
	"github.com/cr0hn/rpc-gateway/internal/ports"
	"github.com/cr0hn/rpc-gateway/pkg/netutil"
)

// validLinks converts configured links, dropping those whose RPC address is
// not a usable upstream URI. Links without an RPC address are kept; the port
// state skips them.
func validLinks(env string, links map[string]config.Link) map[string]ports.Link {
	out := make(map[string]ports.Link, len(links))
	for name, l := range links {
		if l.RPC != "" {
			if err := netutil.ValidateUpstreamURI(l.RPC); err != nil {
				logger.Warn("link_skipped", "environment", env, "link", name, "error", err.Error())
				continue
			}
		}
		out[name] = ports.Link{RPC: l.RPC, WS: l.WS}
	}
	return out
}

// SyncTargets makes the targets of p match the RPC addresses of links.
// Targets whose address is still configured keep their index and score;
// missing addresses are inserted in link name order.
func SyncTargets(p *ports.PortState, links map[string]config.Link) (added, removed int) {
	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)

	var wanted []string
	want := make(map[string]bool, len(links))
	for _, name := range names {
		rpc := links[name].RPC
		if rpc == "" || want[rpc] {
			continue
		}
		if err := netutil.ValidateUpstreamURI(rpc); err != nil {
			logger.Warn("link_skipped", "port", p.Port(), "link", name, "error", err.Error())
			continue
		}
		want[rpc] = true
		wanted = append(wanted, rpc)
	}

	have := make(map[string]bool)
	for _, t := range p.Targets() {
		if !want[t.URI] || have[t.URI] {
			if p.RemoveTarget(t.Index) {
				removed++
			}
			continue
		}
		have[t.URI] = true
	}

	for _, rpc := range wanted {
		if have[rpc] {
			continue
		}
		p.AddTarget(rpc)
		added++
	}
	return added, removed
}
