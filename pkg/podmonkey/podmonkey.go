package podmonkey

import (
	"encoding/json"
	"math/rand"

	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/rs/zerolog"
)

// Op is a pod perturbation
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// LabelKey marks pods the monkey created or relabelled
const LabelKey = "anvil.dev/monkey"

// Reader lists pods
type Reader interface {
	List(kind types.Kind, namespace string) []*types.Object
}

// Input is one pod-monkey action
type Input struct {
	Op  Op
	Pod *types.Object
}

// Monkey perturbs pods. It only ever issues requests for the Pod kind.
type Monkey struct {
	namespaces []string
	logger     zerolog.Logger
}

// New creates a monkey acting in the given namespaces
func New(namespaces []string) *Monkey {
	return &Monkey{
		namespaces: namespaces,
		logger:     log.WithComponent("podmonkey"),
	}
}

// Choose picks an input using rng. Creates land in a random namespace;
// updates and deletes pick an existing pod.
func (m *Monkey) Choose(rng *rand.Rand, store Reader) (Input, bool) {
	if len(m.namespaces) == 0 {
		return Input{}, false
	}

	var pods []*types.Object
	for _, ns := range m.namespaces {
		pods = append(pods, store.List(types.KindPod, ns)...)
	}

	ops := []Op{OpCreate}
	if len(pods) > 0 {
		ops = append(ops, OpUpdate, OpDelete)
	}

	op := ops[rng.Intn(len(ops))]
	if op != OpCreate {
		return Input{Op: op, Pod: pods[rng.Intn(len(pods))]}, true
	}

	ns := m.namespaces[rng.Intn(len(m.namespaces))]
	pod := &types.Object{
		Kind: types.KindPod,
		Metadata: types.Metadata{
			GenerateName: "monkey-",
			Namespace:    ns,
			Labels:       map[string]string{LabelKey: "true"},
		},
		Spec: json.RawMessage(`{"image":"busybox"}`),
	}
	return Input{Op: OpCreate, Pod: pod}, true
}

// Request turns an input into the API request the monkey sends
func (m *Monkey) Request(in Input) *types.APIRequest {
	var req *types.APIRequest
	switch in.Op {
	case OpCreate:
		req = types.CreateRequest(in.Pod.DeepCopy())
	case OpUpdate:
		pod := in.Pod.DeepCopy()
		if pod.Metadata.Labels == nil {
			pod.Metadata.Labels = make(map[string]string)
		}
		pod.Metadata.Labels[LabelKey] = "touched"
		req = types.UpdateRequest(pod)
	case OpDelete:
		req = types.DeleteRequest(in.Pod.Ref())
	default:
		return nil
	}

	m.logger.Debug().Str("op", string(in.Op)).Str("namespace", in.Pod.Metadata.Namespace).Msg("perturbing pod")
	return req
}
