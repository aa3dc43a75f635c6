package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().WithBase(Var{"PATH": "/usr/bin", "NODE_ENV": "development"})
	e.Set("NODE_ENV", "production")
	e.Set("DATABASE_URL", "postgres://db/${DB_NAME}")
	e.Set("DB_NAME", "bots")

	out := e.Merge([]string{"BOT_NAME=Jukebox", "NODE_ENV=test", "=bad", "noequals"})

	v, ok := Lookup(out, "NODE_ENV")
	assert.True(t, ok)
	assert.Equal(t, "test", v, "per-process overrides win")

	v, _ = Lookup(out, "DATABASE_URL")
	assert.Equal(t, "postgres://db/bots", v)

	v, _ = Lookup(out, "PATH")
	assert.Equal(t, "/usr/bin", v)

	for _, kv := range out {
		assert.False(t, strings.HasPrefix(kv, "="), kv)
		assert.Contains(t, kv, "=")
	}
	assert.IsNonDecreasing(t, out)
}

func TestMergeKeepsUnknownReferences(t *testing.T) {
	e := New().WithBase(nil)
	out := e.Merge([]string{"A=${MISSING}-x", "B=$HOME"})
	v, _ := Lookup(out, "A")
	assert.Equal(t, "${MISSING}-x", v)
	v, _ = Lookup(out, "B")
	assert.Equal(t, "$HOME", v, "only braced references are expanded")
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := New().WithBase(nil)
	next := base.WithSet("REDIS_URL", "redis://cache:6379")
	_, ok := Lookup(base.Merge(nil), "REDIS_URL")
	assert.False(t, ok)
	v, ok := Lookup(next.Merge(nil), "REDIS_URL")
	assert.True(t, ok)
	assert.Equal(t, "redis://cache:6379", v)

	next.Unset("REDIS_URL")
	_, ok = Lookup(next.Merge(nil), "REDIS_URL")
	assert.False(t, ok)
}

func TestFromOS(t *testing.T) {
	t.Setenv("BOTFLEET_ENV_TEST", "yes")
	e := New()
	v, ok := Lookup(e.Merge(nil), "BOTFLEET_ENV_TEST")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)
}
