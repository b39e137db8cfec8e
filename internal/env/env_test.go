package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// isolated returns an Env whose base is kvs instead of the OS environment.
func isolated(kvs ...string) *Env {
	e := New()
	e.base = toMap(kvs)
	return e
}

func TestMergePrecedence(t *testing.T) {
	e := isolated("A=base", "B=base", "PATH=/usr/bin").
		WithPairs([]string{"B=global", "C=global", "malformed", "=nokey"})

	out := e.Merge([]string{"C=server", "D=${PATH}:/opt/mc/bin"})
	assert.Equal(t, []string{
		"A=base",
		"B=global",
		"C=server",
		"D=/usr/bin:/opt/mc/bin",
		"PATH=/usr/bin",
	}, out)
}

func TestWithPairsDoesNotMutateReceiver(t *testing.T) {
	base := isolated()
	next := base.WithPairs([]string{"X=1"})
	assert.Empty(t, base.Merge(nil))
	assert.Equal(t, []string{"X=1"}, next.Merge(nil))

	later := next.WithPairs([]string{"X=2"})
	assert.Equal(t, []string{"X=1"}, next.Merge(nil))
	assert.Equal(t, []string{"X=2"}, later.Merge(nil))
}

func TestExpandLeavesUnknownReferences(t *testing.T) {
	m := map[string]string{"HEAP": "4G"}
	assert.Equal(t, "-Xmx4G -D${MISSING}", expand("-Xmx${HEAP} -D${MISSING}", m))
	assert.Equal(t, "broken ${HEAP", expand("broken ${HEAP", m))
	assert.Equal(t, "plain", expand("plain", m))
}

func TestMergeReadsOSEnvironmentOnEachCall(t *testing.T) {
	e := New().WithPairs([]string{"EULA=true"})
	t.Setenv("CRAFTVISOR_ENV_TEST", "yes")
	assert.Contains(t, e.Merge(nil), "CRAFTVISOR_ENV_TEST=yes")

	t.Setenv("CRAFTVISOR_ENV_TEST", "changed")
	out := e.Merge(nil)
	assert.Contains(t, out, "CRAFTVISOR_ENV_TEST=changed")
	assert.Contains(t, out, "EULA=true")
}
