package rabbitmq

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/anvil/pkg/controllers/pipeline"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ControllerID is the id the RabbitMQ controller runs under
const ControllerID = "rabbitmq"

const (
	StepAfterCreateHeadlessService    reconciler.Step = "AfterCreateHeadlessService"
	StepAfterCreateService            reconciler.Step = "AfterCreateService"
	StepAfterCreateErlangCookieSecret reconciler.Step = "AfterCreateErlangCookieSecret"
	StepAfterCreateDefaultUserSecret  reconciler.Step = "AfterCreateDefaultUserSecret"
	StepAfterGetServerConfigMap       reconciler.Step = "AfterGetServerConfigMap"
	StepAfterCreateServerConfigMap    reconciler.Step = "AfterCreateServerConfigMap"
	StepAfterUpdateServerConfigMap    reconciler.Step = "AfterUpdateServerConfigMap"
	StepAfterGetStatefulSet           reconciler.Step = "AfterGetStatefulSet"
	StepAfterCreateStatefulSet        reconciler.Step = "AfterCreateStatefulSet"
	StepAfterUpdateStatefulSet        reconciler.Step = "AfterUpdateStatefulSet"
)

// Cookies and passwords are name-based uuids of the CR key
var cookieSpace = uuid.NameSpaceOID

// Spec is the RabbitmqCluster spec
type Spec struct {
	Replicas int    `json:"replicas"`
	Image    string `json:"image,omitempty"`
	// AdditionalConfig is appended to rabbitmq.conf
	AdditionalConfig string `json:"additionalConfig,omitempty"`
	StorageSize      string `json:"storageSize,omitempty"`
}

// Validate rejects negative replicas and a storage size that is not a quantity
func (s Spec) Validate() error {
	var errs field.ErrorList
	if s.Replicas < 0 {
		errs = append(errs, field.Invalid(field.NewPath("replicas"), s.Replicas, "must be greater than or equal to 0"))
	}
	if s.StorageSize != "" {
		if _, err := resource.ParseQuantity(s.StorageSize); err != nil {
			errs = append(errs, field.Invalid(field.NewPath("storageSize"), s.StorageSize, err.Error()))
		}
	}
	return errs.ToAggregate()
}

func (s Spec) image() string {
	if s.Image == "" {
		return "rabbitmq:3.11"
	}
	return s.Image
}

func (s Spec) storage() string {
	if s.StorageSize == "" {
		return "10Gi"
	}
	return s.StorageSize
}

// ServiceSpec is the spec of the services the controller creates
type ServiceSpec struct {
	Selector  map[string]string `json:"selector"`
	Ports     []int             `json:"ports"`
	ClusterIP string            `json:"clusterIP,omitempty"`
}

// SecretSpec is the spec of the secrets the controller creates
type SecretSpec struct {
	Data map[string]string `json:"data"`
}

// ConfigMapSpec is the spec of the server config map
type ConfigMapSpec struct {
	Data map[string]string `json:"data"`
}

// StatefulSetSpec is the spec of the server stateful set
type StatefulSetSpec struct {
	Replicas    int               `json:"replicas"`
	ServiceName string            `json:"serviceName"`
	Selector    map[string]string `json:"selector"`
	Image       string            `json:"image"`
	ConfigMap   string            `json:"configMap"`
	Secrets     []string          `json:"secrets"`
	Storage     string            `json:"storage"`
}

// Reconciler drives RabbitmqCluster CRs
type Reconciler struct {
	p *pipeline.Pipeline
}

// New creates the RabbitMQ reconciler
func New() *Reconciler {
	return &Reconciler{p: pipeline.New(
		pipeline.Stage{Name: "HeadlessService", Kind: types.KindService, Mode: pipeline.CreateOnly, Build: MakeHeadlessService},
		pipeline.Stage{Name: "Service", Kind: types.KindService, Mode: pipeline.CreateOnly, Build: MakeService},
		pipeline.Stage{Name: "ErlangCookieSecret", Kind: types.KindSecret, Mode: pipeline.CreateOnly, Build: MakeErlangCookieSecret},
		pipeline.Stage{Name: "DefaultUserSecret", Kind: types.KindSecret, Mode: pipeline.CreateOnly, Build: MakeDefaultUserSecret},
		pipeline.Stage{Name: "ServerConfigMap", Kind: types.KindConfigMap, Mode: pipeline.Converge, Build: MakeServerConfigMap},
		pipeline.Stage{Name: "StatefulSet", Kind: types.KindStatefulSet, Mode: pipeline.Converge, Build: MakeStatefulSet},
	)}
}

func specOf(cr *types.Object) Spec {
	var s Spec
	// the API server validated the spec; a zero spec only reaches here in tests
	_ = cr.UnmarshalSpec(&s)
	return s
}

func selector(cr *types.Object) map[string]string {
	return map[string]string{"app": cr.Metadata.Name}
}

// MakeHeadlessService builds the peer-discovery service
func MakeHeadlessService(cr *types.Object) *types.Object {
	return pipeline.Owned(cr, types.KindService, cr.Metadata.Name+"-nodes", selector(cr), ServiceSpec{
		Selector:  selector(cr),
		Ports:     []int{4369, 25672},
		ClusterIP: "None",
	})
}

// MakeService builds the client service
func MakeService(cr *types.Object) *types.Object {
	return pipeline.Owned(cr, types.KindService, cr.Metadata.Name+"-client", selector(cr), ServiceSpec{
		Selector: selector(cr),
		Ports:    []int{5672, 15672},
	})
}

// MakeErlangCookieSecret builds the cookie shared by the cluster nodes
func MakeErlangCookieSecret(cr *types.Object) *types.Object {
	cookie := uuid.NewSHA1(cookieSpace, []byte(cr.Ref().String()+"/cookie")).String()
	return pipeline.Owned(cr, types.KindSecret, cr.Metadata.Name+"-erlang-cookie", selector(cr), SecretSpec{
		Data: map[string]string{".erlang.cookie": strings.ReplaceAll(cookie, "-", "")},
	})
}

// MakeDefaultUserSecret builds the credentials of the default user
func MakeDefaultUserSecret(cr *types.Object) *types.Object {
	password := uuid.NewSHA1(cookieSpace, []byte(cr.Ref().String()+"/default-user")).String()
	return pipeline.Owned(cr, types.KindSecret, cr.Metadata.Name+"-default-user", selector(cr), SecretSpec{
		Data: map[string]string{"username": "default_user", "password": password},
	})
}

// MakeServerConfigMap builds rabbitmq.conf
func MakeServerConfigMap(cr *types.Object) *types.Object {
	s := specOf(cr)
	conf := []string{
		"cluster_formation.peer_discovery_backend = rabbit_peer_discovery_k8s",
		fmt.Sprintf("cluster_formation.k8s.service_name = %s-nodes", cr.Metadata.Name),
		"queue_master_locator = min-masters",
	}
	if s.AdditionalConfig != "" {
		conf = append(conf, strings.Split(strings.TrimSpace(s.AdditionalConfig), "\n")...)
	}
	return pipeline.Owned(cr, types.KindConfigMap, cr.Metadata.Name+"-server-conf", selector(cr), ConfigMapSpec{
		Data: map[string]string{"rabbitmq.conf": strings.Join(conf, "\n")},
	})
}

// MakeStatefulSet builds the server stateful set
func MakeStatefulSet(cr *types.Object) *types.Object {
	s := specOf(cr)
	secrets := []string{cr.Metadata.Name + "-erlang-cookie", cr.Metadata.Name + "-default-user"}
	sort.Strings(secrets)
	return pipeline.Owned(cr, types.KindStatefulSet, cr.Metadata.Name+"-server", selector(cr), StatefulSetSpec{
		Replicas:    s.Replicas,
		ServiceName: cr.Metadata.Name + "-nodes",
		Selector:    selector(cr),
		Image:       s.image(),
		ConfigMap:   cr.Metadata.Name + "-server-conf",
		Secrets:     secrets,
		Storage:     s.storage(),
	})
}

// Kind returns KindRabbitmqCluster
func (r *Reconciler) Kind() types.Kind { return types.KindRabbitmqCluster }

// Codec validates RabbitmqCluster specs with Spec.Validate
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

// CurrentStateMatches holds when every stage object matches its build
func (r *Reconciler) CurrentStateMatches(cr *types.Object, reader reconciler.Reader) bool {
	return r.p.CurrentStateMatches(cr, reader)
}

// Footprint declares the kinds the pipeline manages
func (r *Reconciler) Footprint() rely.Footprint {
	return rely.Footprint{ControllerID: ControllerID, CRKind: types.KindRabbitmqCluster, Managed: r.p.Managed()}
}

// PhaseTable lists the request pending at each pipeline step
func (r *Reconciler) PhaseTable() []reconciler.Phase {
	return r.p.PhaseTable()
}
