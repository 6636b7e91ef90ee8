package zookeeper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/anvil/pkg/controllers/pipeline"
	"github.com/cuemby/anvil/pkg/external"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ControllerID is the id the ZooKeeper controller runs under
const ControllerID = "zookeeper"

const (
	StepAfterCreateHeadlessService    reconciler.Step = "AfterCreateHeadlessService"
	StepAfterCreateClientService      reconciler.Step = "AfterCreateClientService"
	StepAfterCreateAdminServerService reconciler.Step = "AfterCreateAdminServerService"
	StepAfterGetConfigMap             reconciler.Step = "AfterGetConfigMap"
	StepAfterCreateConfigMap          reconciler.Step = "AfterCreateConfigMap"
	StepAfterUpdateConfigMap          reconciler.Step = "AfterUpdateConfigMap"
	StepAfterGetStatefulSet           reconciler.Step = "AfterGetStatefulSet"
	StepAfterCreateStatefulSet        reconciler.Step = "AfterCreateStatefulSet"
	StepAfterUpdateStatefulSet        reconciler.Step = "AfterUpdateStatefulSet"
	StepAfterSetEnsembleNode          reconciler.Step = "AfterSetEnsembleNode"
)

// Spec is the ZookeeperCluster spec
type Spec struct {
	Replicas int               `json:"replicas"`
	Image    string            `json:"image,omitempty"`
	Conf     map[string]string `json:"conf,omitempty"`
}

// Validate rejects negative replicas and empty conf keys
func (s Spec) Validate() error {
	var errs field.ErrorList
	if s.Replicas < 0 {
		errs = append(errs, field.Invalid(field.NewPath("replicas"), s.Replicas, "must be greater than or equal to 0"))
	}
	if _, ok := s.Conf[""]; ok {
		errs = append(errs, field.Required(field.NewPath("conf").Key(""), "conf keys must not be empty"))
	}
	return errs.ToAggregate()
}

// ServiceSpec is the spec of the services the controller creates
type ServiceSpec struct {
	Selector  map[string]string `json:"selector"`
	Ports     []int             `json:"ports"`
	ClusterIP string            `json:"clusterIP,omitempty"`
}

// ConfigMapSpec is the spec of the ensemble config map
type ConfigMapSpec struct {
	Data map[string]string `json:"data"`
}

// StatefulSetSpec is the spec of the ensemble stateful set
type StatefulSetSpec struct {
	Replicas    int               `json:"replicas"`
	ServiceName string            `json:"serviceName"`
	Selector    map[string]string `json:"selector"`
	Image       string            `json:"image"`
	ConfigMap   string            `json:"configMap"`
}

var defaultConf = map[string]string{
	"tickTime":   "2000",
	"initLimit":  "10",
	"syncLimit":  "2",
	"clientPort": "2181",
}

// Reconciler drives ZookeeperCluster CRs. After the ensemble resources it
// records the cluster size in a znode of the ensemble.
type Reconciler struct {
	p  *pipeline.Pipeline
	zk *external.ZooKeeper
}

// New creates the ZooKeeper reconciler together with the znode tree its
// external requests are served by
func New() *Reconciler {
	return &Reconciler{
		p: pipeline.New(
			pipeline.Stage{Name: "HeadlessService", Kind: types.KindService, Mode: pipeline.CreateOnly, Build: MakeHeadlessService},
			pipeline.Stage{Name: "ClientService", Kind: types.KindService, Mode: pipeline.CreateOnly, Build: MakeClientService},
			pipeline.Stage{Name: "AdminServerService", Kind: types.KindService, Mode: pipeline.CreateOnly, Build: MakeAdminServerService},
			pipeline.Stage{Name: "ConfigMap", Kind: types.KindConfigMap, Mode: pipeline.Converge, Build: MakeConfigMap},
			pipeline.Stage{Name: "StatefulSet", Kind: types.KindStatefulSet, Mode: pipeline.Converge, Build: MakeStatefulSet},
			pipeline.Stage{Name: "SetEnsembleNode", Mode: pipeline.External, Request: MakeEnsembleNodeRequest},
		),
		zk: external.NewZooKeeper(),
	}
}

// ExternalModel returns the znode tree
func (r *Reconciler) ExternalModel() external.Model {
	return r.zk
}

func specOf(cr *types.Object) Spec {
	var s Spec
	_ = cr.UnmarshalSpec(&s)
	return s
}

func selector(cr *types.Object) map[string]string {
	return map[string]string{"app": cr.Metadata.Name}
}

// MakeHeadlessService builds the quorum service
func MakeHeadlessService(cr *types.Object) *types.Object {
	return pipeline.Owned(cr, types.KindService, cr.Metadata.Name+"-headless", selector(cr), ServiceSpec{
		Selector:  selector(cr),
		Ports:     []int{2888, 3888},
		ClusterIP: "None",
	})
}

// MakeClientService builds the client service
func MakeClientService(cr *types.Object) *types.Object {
	return pipeline.Owned(cr, types.KindService, cr.Metadata.Name+"-client", selector(cr), ServiceSpec{
		Selector: selector(cr),
		Ports:    []int{2181},
	})
}

// MakeAdminServerService builds the admin server service
func MakeAdminServerService(cr *types.Object) *types.Object {
	return pipeline.Owned(cr, types.KindService, cr.Metadata.Name+"-admin-server", selector(cr), ServiceSpec{
		Selector: selector(cr),
		Ports:    []int{8080},
	})
}

// MakeConfigMap builds zoo.cfg from the defaults overlaid with spec.conf
func MakeConfigMap(cr *types.Object) *types.Object {
	conf := make(map[string]string, len(defaultConf))
	for k, v := range defaultConf {
		conf[k] = v
	}
	for k, v := range specOf(cr).Conf {
		conf[k] = v
	}
	keys := make([]string, 0, len(conf))
	for k := range conf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+conf[k])
	}
	return pipeline.Owned(cr, types.KindConfigMap, cr.Metadata.Name+"-configmap", selector(cr), ConfigMapSpec{
		Data: map[string]string{"zoo.cfg": strings.Join(lines, "\n")},
	})
}

// MakeStatefulSet builds the ensemble stateful set
func MakeStatefulSet(cr *types.Object) *types.Object {
	s := specOf(cr)
	image := s.Image
	if image == "" {
		image = "pravega/zookeeper:0.2.14"
	}
	return pipeline.Owned(cr, types.KindStatefulSet, cr.Metadata.Name, selector(cr), StatefulSetSpec{
		Replicas:    s.Replicas,
		ServiceName: cr.Metadata.Name + "-headless",
		Selector:    selector(cr),
		Image:       image,
		ConfigMap:   cr.Metadata.Name + "-configmap",
	})
}

// EnsembleNodePath is the znode holding the size of cr's ensemble
func EnsembleNodePath(cr *types.Object) string {
	return fmt.Sprintf("/zookeeper-operator/%s/%s", cr.Metadata.Namespace, cr.Metadata.Name)
}

// EnsembleNodeData is what the ensemble znode holds for cr
func EnsembleNodeData(cr *types.Object) string {
	return fmt.Sprintf("CLUSTER_SIZE=%d", specOf(cr).Replicas)
}

// MakeEnsembleNodeRequest writes the ensemble size znode
func MakeEnsembleNodeRequest(cr *types.Object) *types.ExternalRequest {
	return external.SetNodeRequest(EnsembleNodePath(cr), EnsembleNodeData(cr))
}

// Kind returns KindZookeeperCluster
func (r *Reconciler) Kind() types.Kind { return types.KindZookeeperCluster }

// Codec validates ZookeeperCluster specs with Spec.Validate
func (r *Reconciler) Codec() types.Codec { return types.JSONCodec[Spec]{} }

// InitState starts a pass at the first pipeline stage
func (r *Reconciler) InitState() reconciler.LocalState {
	return reconciler.At(reconciler.StepInit)
}

// ReconcileCore advances the pipeline by one response
func (r *Reconciler) ReconcileCore(cr *types.Object, resp *types.Response, state reconciler.LocalState) (reconciler.LocalState, *types.Request) {
	return r.p.Reconcile(cr, resp, state)
}

// ReconcileDone reports whether every stage is done
func (r *Reconciler) ReconcileDone(state reconciler.LocalState) bool {
	return state.Step == reconciler.StepDone
}

// ReconcileError reports whether a stage failed
func (r *Reconciler) ReconcileError(state reconciler.LocalState) bool {
	return state.Step == reconciler.StepError
}

// IsCorrectPendingRequestAtStep checks req against the pipeline stage of step
func (r *Reconciler) IsCorrectPendingRequestAtStep(step reconciler.Step, req *types.Request, cr *types.Object, _ reconciler.Reader) bool {
	return r.p.IsCorrectPending(step, req, cr)
}

// CurrentStateMatches also requires the ensemble znode to carry the size
func (r *Reconciler) CurrentStateMatches(cr *types.Object, reader reconciler.Reader) bool {
	if !r.p.CurrentStateMatches(cr, reader) {
		return false
	}
	data, _, ok := r.zk.Node(EnsembleNodePath(cr))
	return ok && data == EnsembleNodeData(cr)
}

// Footprint declares the kinds the pipeline manages
func (r *Reconciler) Footprint() rely.Footprint {
	return rely.Footprint{ControllerID: ControllerID, CRKind: types.KindZookeeperCluster, Managed: r.p.Managed()}
}

// PhaseTable lists the request pending at each pipeline step
func (r *Reconciler) PhaseTable() []reconciler.Phase {
	return r.p.PhaseTable()
}
