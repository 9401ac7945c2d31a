package loadbalance

import "datalayer-rpc/registry"

// NearestBalancer picks the first node marked Nearby. Relayed nodes are
// never picked, so a call fails fast instead of crossing the cloud.
type NearestBalancer struct{}

func (b *NearestBalancer) Pick(nodes []registry.Node) (*registry.Node, error) {
	for i := range nodes {
		if nodes[i].Nearby {
			return &nodes[i], nil
		}
	}
	return nil, ErrNoNodes
}

func (b *NearestBalancer) Name() string {
	return "Nearest"
}
