// Package controllers registers the built-in reconcilers by id.
package controllers

import (
	"fmt"
	"sort"

	"github.com/cuemby/anvil/pkg/controllers/rabbitmq"
	"github.com/cuemby/anvil/pkg/controllers/simple"
	"github.com/cuemby/anvil/pkg/controllers/vdeployment"
	"github.com/cuemby/anvil/pkg/controllers/vreplicaset"
	"github.com/cuemby/anvil/pkg/controllers/vstatefulset"
	"github.com/cuemby/anvil/pkg/controllers/zookeeper"
	"github.com/cuemby/anvil/pkg/reconciler"
)

var factories = map[string]func() reconciler.Reconciler{
	rabbitmq.ControllerID:     func() reconciler.Reconciler { return rabbitmq.New() },
	zookeeper.ControllerID:    func() reconciler.Reconciler { return zookeeper.New() },
	vreplicaset.ControllerID:  func() reconciler.Reconciler { return vreplicaset.New() },
	vdeployment.ControllerID:  func() reconciler.Reconciler { return vdeployment.New() },
	vstatefulset.ControllerID: func() reconciler.Reconciler { return vstatefulset.New() },
	simple.ControllerID:       func() reconciler.Reconciler { return simple.New() },
}

// Names returns the ids of every built-in reconciler
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the reconciler registered under id
func New(id string) (reconciler.Reconciler, error) {
	f, ok := factories[id]
	if !ok {
		return nil, fmt.Errorf("unknown controller %q (known: %v)", id, Names())
	}
	return f(), nil
}

// NewSet creates the reconcilers registered under ids
func NewSet(ids []string) ([]reconciler.Reconciler, error) {
	out := make([]reconciler.Reconciler, 0, len(ids))
	for _, id := range ids {
		r, err := New(id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
