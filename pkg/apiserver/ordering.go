package apiserver

import "github.com/cuemby/anvil/pkg/types"

// Eligible reports whether the API server may serve msg now. Mutations race
// by rest id: a request for key K waits while a request for K with a smaller
// rest id is still in flight. Requests without a fixed target are always
// eligible.
func Eligible(msg *types.Message, inFlight []*types.Message) bool {
	req := msg.Content.APIRequest
	if req == nil || msg.Dst.Kind != types.HostAPIServer {
		return false
	}
	key, ok := req.Target()
	if !ok {
		return true
	}
	for _, other := range inFlight {
		if other.ID == msg.ID || other.Dst.Kind != types.HostAPIServer || other.Content.APIRequest == nil {
			continue
		}
		if other.RestID >= msg.RestID {
			continue
		}
		if otherKey, ok := other.Content.APIRequest.Target(); ok && otherKey == key {
			return false
		}
	}
	return true
}
