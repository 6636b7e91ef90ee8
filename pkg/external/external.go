package external

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/anvil/pkg/types"
)

// Model is an external system a controller talks to besides the API
// server. Handle must be deterministic given the model's state.
type Model interface {
	Handle(req *types.ExternalRequest) *types.ExternalResponse
}

const (
	OpSetNode = "set_node"
	OpGetNode = "get_node"
)

// NodeRequest addresses a znode
type NodeRequest struct {
	Path string `json:"path"`
	Data string `json:"data,omitempty"`
}

// NodeResponse carries a znode and its version
type NodeResponse struct {
	Path    string `json:"path"`
	Data    string `json:"data"`
	Version int    `json:"version"`
}

type znode struct {
	data    string
	version int
}

// ZooKeeper models the znode tree of a ZooKeeper ensemble
type ZooKeeper struct {
	mu    sync.RWMutex
	nodes map[string]*znode
}

// NewZooKeeper creates an empty znode tree
func NewZooKeeper() *ZooKeeper {
	return &ZooKeeper{nodes: make(map[string]*znode)}
}

// Handle serves set_node and get_node. Setting a node to its current data
// does not bump its version.
func (z *ZooKeeper) Handle(req *types.ExternalRequest) *types.ExternalResponse {
	var in NodeRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return &types.ExternalResponse{Err: fmt.Sprintf("invalid payload: %v", err)}
	}
	if in.Path == "" {
		return &types.ExternalResponse{Err: "empty path"}
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	switch req.Op {
	case OpSetNode:
		node, ok := z.nodes[in.Path]
		if !ok {
			node = &znode{}
			z.nodes[in.Path] = node
		}
		if !ok || node.data != in.Data {
			node.data = in.Data
			node.version++
		}
		return respond(in.Path, node)

	case OpGetNode:
		node, ok := z.nodes[in.Path]
		if !ok {
			return &types.ExternalResponse{Err: "no node"}
		}
		return respond(in.Path, node)

	default:
		return &types.ExternalResponse{Err: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// Node returns the data and version of path
func (z *ZooKeeper) Node(path string) (string, int, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	node, ok := z.nodes[path]
	if !ok {
		return "", 0, false
	}
	return node.data, node.version, true
}

// Paths returns every znode path in order
func (z *ZooKeeper) Paths() []string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	paths := make([]string, 0, len(z.nodes))
	for p := range z.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func respond(path string, node *znode) *types.ExternalResponse {
	payload, _ := json.Marshal(NodeResponse{Path: path, Data: node.data, Version: node.version})
	return &types.ExternalResponse{Payload: payload}
}

// SetNodeRequest builds a set_node request
func SetNodeRequest(path, data string) *types.ExternalRequest {
	payload, _ := json.Marshal(NodeRequest{Path: path, Data: data})
	return &types.ExternalRequest{Op: OpSetNode, Payload: payload}
}

// GetNodeRequest builds a get_node request
func GetNodeRequest(path string) *types.ExternalRequest {
	payload, _ := json.Marshal(NodeRequest{Path: path})
	return &types.ExternalRequest{Op: OpGetNode, Payload: payload}
}
