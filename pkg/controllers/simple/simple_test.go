package simple

import (
	"testing"

	"github.com/cuemby/anvil/pkg/controllers/controllertest"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorsDataIntoConfigMap(t *testing.T) {
	r := New()
	env := controllertest.NewEnv(r)
	cr := env.Create(t, controllertest.NewCR(t, types.KindSimpleCR, "default", "demo", Spec{Data: map[string]string{"color": "blue"}}))

	pass := env.Run(t, r, cr)
	require.True(t, r.ReconcileDone(pass.Final))
	assert.Equal(t, []string{"AfterGetConfigMap", "AfterCreateConfigMap", "Done"}, stepNames(pass))

	cm, ok := env.Etcd.Get(types.NewRef(types.KindConfigMap, "default", "demo-cm"))
	require.True(t, ok)
	var spec ConfigMapSpec
	require.NoError(t, cm.UnmarshalSpec(&spec))
	assert.Equal(t, map[string]string{"color": "blue"}, spec.Data)
	assert.Empty(t, env.Unchanged(t, r, cr))
}

func TestRepairsDrift(t *testing.T) {
	r := New()
	env := controllertest.NewEnv(r)
	cr := env.Create(t, controllertest.NewCR(t, types.KindSimpleCR, "default", "demo", Spec{Data: map[string]string{"k": "v"}}))
	env.Converge(t, r, cr)

	cm, _ := env.Etcd.Get(types.NewRef(types.KindConfigMap, "default", "demo-cm"))
	cm.Spec = types.MustSpec(ConfigMapSpec{Data: map[string]string{"k": "tampered"}})
	env.Update(t, cm)
	assert.False(t, r.CurrentStateMatches(cr, env.Etcd))

	pass := env.Run(t, r, cr)
	require.True(t, r.ReconcileDone(pass.Final))
	assert.Len(t, pass.Mutations(types.OpUpdate), 1)
	assert.True(t, r.CurrentStateMatches(cr, env.Etcd))
}

func TestForeignConfigMapIsLeftAlone(t *testing.T) {
	r := New()
	env := controllertest.NewEnv(r)
	cr := env.Create(t, controllertest.NewCR(t, types.KindSimpleCR, "default", "demo", Spec{}))

	foreign := controllertest.NewCR(t, types.KindConfigMap, "default", "demo-cm", ConfigMapSpec{Data: map[string]string{}})
	foreign = env.Create(t, foreign)

	pass := env.Run(t, r, cr)
	assert.True(t, r.ReconcileError(pass.Final))
	assert.Empty(t, pass.Mutations(types.OpUpdate))

	stored, _ := env.Etcd.Get(foreign.Ref())
	assert.Equal(t, foreign.Metadata.ResourceVersion, stored.Metadata.ResourceVersion)
	assert.False(t, r.CurrentStateMatches(cr, env.Etcd))
}

func stepNames(p controllertest.Pass) []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, string(s))
	}
	return out
}
