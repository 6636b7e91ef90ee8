package types

import (
	"encoding/json"
	"fmt"
)

// HostKind identifies the kind of participant that sends or receives messages
type HostKind string

const (
	HostAPIServer  HostKind = "ApiServer"
	HostController HostKind = "Controller"
	HostBuiltin    HostKind = "BuiltinController"
	HostExternal   HostKind = "External"
	HostPodMonkey  HostKind = "PodMonkey"
)

// HostID addresses a message endpoint. Controller endpoints carry the key of
// the CR whose reconcile sent the request, so responses route back to the
// right pass.
type HostID struct {
	Kind         HostKind  `json:"kind"`
	ControllerID string    `json:"controllerId,omitempty"`
	Key          ObjectRef `json:"key,omitempty"`
}

// APIServerHost addresses the API server
func APIServerHost() HostID { return HostID{Kind: HostAPIServer} }

// ControllerHost addresses the reconcile of key inside controller id
func ControllerHost(id string, key ObjectRef) HostID {
	return HostID{Kind: HostController, ControllerID: id, Key: key}
}

// BuiltinHost addresses the built-in controllers (garbage collector)
func BuiltinHost() HostID { return HostID{Kind: HostBuiltin} }

// ExternalHost addresses the external system serving controller id
func ExternalHost(id string) HostID { return HostID{Kind: HostExternal, ControllerID: id} }

// PodMonkeyHost addresses the pod monkey
func PodMonkeyHost() HostID { return HostID{Kind: HostPodMonkey} }

func (h HostID) String() string {
	switch h.Kind {
	case HostController:
		return fmt.Sprintf("Controller(%s, %s)", h.ControllerID, h.Key)
	case HostExternal:
		return fmt.Sprintf("External(%s)", h.ControllerID)
	default:
		return string(h.Kind)
	}
}

// MessageID is unique among all messages ever sent
type MessageID uint64

// RestID pairs a response with the request it answers
type RestID uint64

// APIOp is the verb of an API request
type APIOp string

const (
	OpCreate        APIOp = "Create"
	OpUpdate        APIOp = "Update"
	OpGetThenUpdate APIOp = "GetThenUpdate"
	OpDelete        APIOp = "Delete"
	OpGetThenDelete APIOp = "GetThenDelete"
	OpGet           APIOp = "Get"
	OpList          APIOp = "List"
)

// IsMutation reports whether the verb may change etcd
func (op APIOp) IsMutation() bool {
	switch op {
	case OpCreate, OpUpdate, OpGetThenUpdate, OpDelete, OpGetThenDelete:
		return true
	}
	return false
}

// Preconditions guard a delete against a recreated object of the same name
type Preconditions struct {
	UID UID `json:"uid"`
}

// APIRequest is the payload sent to the API server
type APIRequest struct {
	Op            APIOp           `json:"op"`
	Key           ObjectRef       `json:"key,omitempty"`
	Namespace     string          `json:"namespace,omitempty"`
	Obj           *Object         `json:"obj,omitempty"`
	OwnerRef      *OwnerReference `json:"ownerRef,omitempty"`
	Preconditions *Preconditions  `json:"preconditions,omitempty"`
	ListKind      Kind            `json:"listKind,omitempty"`
	LabelSelector string          `json:"labelSelector,omitempty"`
}

// CreateRequest builds a Create for obj in its namespace
func CreateRequest(obj *Object) *APIRequest {
	return &APIRequest{Op: OpCreate, Namespace: obj.Metadata.Namespace, Obj: obj}
}

// UpdateRequest builds an Update of obj at its own key
func UpdateRequest(obj *Object) *APIRequest {
	return &APIRequest{Op: OpUpdate, Key: obj.Ref(), Obj: obj}
}

// GetThenUpdateRequest builds an owner-guarded update
func GetThenUpdateRequest(obj *Object, owner OwnerReference) *APIRequest {
	return &APIRequest{Op: OpGetThenUpdate, Key: obj.Ref(), Obj: obj, OwnerRef: &owner}
}

// GetThenDeleteRequest builds an owner-guarded delete
func GetThenDeleteRequest(key ObjectRef, owner OwnerReference) *APIRequest {
	return &APIRequest{Op: OpGetThenDelete, Key: key, OwnerRef: &owner}
}

// DeleteRequest builds a Delete of key
func DeleteRequest(key ObjectRef) *APIRequest {
	return &APIRequest{Op: OpDelete, Key: key}
}

// GetRequest builds a Get of key
func GetRequest(key ObjectRef) *APIRequest {
	return &APIRequest{Op: OpGet, Key: key}
}

// ListRequest builds a List of kind in namespace filtered by selector
func ListRequest(kind Kind, namespace, selector string) *APIRequest {
	return &APIRequest{Op: OpList, ListKind: kind, Namespace: namespace, LabelSelector: selector}
}

// Target returns the object key the request addresses. Creates relying on
// generate_name and Lists have no fixed target.
func (r *APIRequest) Target() (ObjectRef, bool) {
	switch r.Op {
	case OpCreate:
		if r.Obj == nil || r.Obj.Metadata.Name == "" {
			return ObjectRef{}, false
		}
		return ObjectRef{Kind: r.Obj.Kind, Namespace: r.Namespace, Name: r.Obj.Metadata.Name}, true
	case OpList:
		return ObjectRef{}, false
	default:
		return r.Key, true
	}
}

// TargetKind returns the kind of object the request addresses
func (r *APIRequest) TargetKind() Kind {
	switch r.Op {
	case OpCreate:
		if r.Obj != nil {
			return r.Obj.Kind
		}
		return ""
	case OpList:
		return r.ListKind
	default:
		return r.Key.Kind
	}
}

// ErrorKind is the failure reported by the API server
type ErrorKind string

const (
	ErrNone          ErrorKind = ""
	ErrNotFound      ErrorKind = "NotFound"
	ErrAlreadyExists ErrorKind = "AlreadyExists"
	ErrConflict      ErrorKind = "Conflict"
	ErrInvalid       ErrorKind = "Invalid"
	ErrForbidden     ErrorKind = "Forbidden"
	ErrServerBusy    ErrorKind = "ServerBusy"
)

// APIResponse is the API server's answer to a request
type APIResponse struct {
	Op   APIOp     `json:"op"`
	Obj  *Object   `json:"obj,omitempty"`
	Objs []*Object `json:"objs,omitempty"`
	Err  ErrorKind `json:"err,omitempty"`
}

// IsOK reports whether the request succeeded
func (r *APIResponse) IsOK() bool {
	return r.Err == ErrNone
}

// ExternalRequest is sent to a controller's external system
type ExternalRequest struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExternalResponse is the external system's answer
type ExternalResponse struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// Content holds exactly one of the four payload variants
type Content struct {
	APIRequest       *APIRequest       `json:"apiRequest,omitempty"`
	APIResponse      *APIResponse      `json:"apiResponse,omitempty"`
	ExternalRequest  *ExternalRequest  `json:"externalRequest,omitempty"`
	ExternalResponse *ExternalResponse `json:"externalResponse,omitempty"`
}

// Message is an in-flight unit of the network
type Message struct {
	ID      MessageID `json:"id"`
	Src     HostID    `json:"src"`
	Dst     HostID    `json:"dst"`
	RestID  RestID    `json:"restId"`
	Content Content   `json:"content"`
}

// IsRequest reports whether the message carries a request
func (m *Message) IsRequest() bool {
	return m.Content.APIRequest != nil || m.Content.ExternalRequest != nil
}

// IsResponse reports whether the message carries a response
func (m *Message) IsResponse() bool {
	return m.Content.APIResponse != nil || m.Content.ExternalResponse != nil
}

// Answers reports whether m is the response to req: same rest id and
// swapped endpoints.
func (m *Message) Answers(req *Message) bool {
	return m.IsResponse() && req.IsRequest() &&
		m.RestID == req.RestID && m.Dst == req.Src && m.Src == req.Dst
}

// Response extracts the reconciler-facing response from the message
func (m *Message) Response() *Response {
	if !m.IsResponse() {
		return nil
	}
	return &Response{API: m.Content.APIResponse, External: m.Content.ExternalResponse}
}

// DeepCopy returns an independent copy of the message
func (m *Message) DeepCopy() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if r := m.Content.APIRequest; r != nil {
		c := *r
		c.Obj = r.Obj.DeepCopy()
		if r.OwnerRef != nil {
			o := *r.OwnerRef
			c.OwnerRef = &o
		}
		if r.Preconditions != nil {
			p := *r.Preconditions
			c.Preconditions = &p
		}
		out.Content.APIRequest = &c
	}
	if r := m.Content.APIResponse; r != nil {
		c := *r
		c.Obj = r.Obj.DeepCopy()
		if r.Objs != nil {
			c.Objs = make([]*Object, len(r.Objs))
			for i, o := range r.Objs {
				c.Objs[i] = o.DeepCopy()
			}
		}
		out.Content.APIResponse = &c
	}
	if r := m.Content.ExternalRequest; r != nil {
		c := *r
		c.Payload = append(json.RawMessage(nil), r.Payload...)
		out.Content.ExternalRequest = &c
	}
	if r := m.Content.ExternalResponse; r != nil {
		c := *r
		c.Payload = append(json.RawMessage(nil), r.Payload...)
		out.Content.ExternalResponse = &c
	}
	return &out
}

func (m *Message) String() string {
	switch {
	case m.Content.APIRequest != nil:
		return fmt.Sprintf("#%d %s -> %s %s %s", m.RestID, m.Src, m.Dst, m.Content.APIRequest.Op, describeTarget(m.Content.APIRequest))
	case m.Content.APIResponse != nil:
		res := "Ok"
		if !m.Content.APIResponse.IsOK() {
			res = string(m.Content.APIResponse.Err)
		}
		return fmt.Sprintf("#%d %s -> %s %s %s", m.RestID, m.Src, m.Dst, m.Content.APIResponse.Op, res)
	case m.Content.ExternalRequest != nil:
		return fmt.Sprintf("#%d %s -> %s external %s", m.RestID, m.Src, m.Dst, m.Content.ExternalRequest.Op)
	default:
		return fmt.Sprintf("#%d %s -> %s external response", m.RestID, m.Src, m.Dst)
	}
}

func describeTarget(r *APIRequest) string {
	if key, ok := r.Target(); ok {
		return key.String()
	}
	if r.Op == OpList {
		return fmt.Sprintf("%s/%s?%s", r.ListKind, r.Namespace, r.LabelSelector)
	}
	if r.Obj != nil {
		return fmt.Sprintf("%s/%s/%s*", r.Obj.Kind, r.Namespace, r.Obj.Metadata.GenerateName)
	}
	return "?"
}

// Request is what a reconciler asks to send: an API or an external request
type Request struct {
	API      *APIRequest      `json:"api,omitempty"`
	External *ExternalRequest `json:"external,omitempty"`
}

// APIReq wraps an API request
func APIReq(r *APIRequest) *Request {
	return &Request{API: r}
}

// ExternalReq wraps an external request
func ExternalReq(r *ExternalRequest) *Request {
	return &Request{External: r}
}

// Response is what a reconciler receives back
type Response struct {
	API      *APIResponse      `json:"api,omitempty"`
	External *ExternalResponse `json:"external,omitempty"`
}
