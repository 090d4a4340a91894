package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func toMap(kvs []string) map[string]string {
	m := map[string]string{}
	for _, kv := range kvs {
		k, v, _ := split(kv)
		m[k] = v
	}
	return m
}

func TestNewSkipsMalformed(t *testing.T) {
	e := New([]string{"A=1", "noequals", "=empty", "B="})
	assert.Equal(t, Var{"A": "1", "B": ""}, e.Var)
}

func TestMergeLayers(t *testing.T) {
	e := New([]string{"JAVA_OPTS=-Xmx4G", "WORLD=${CRAFTVISOR_SERVER_PATH}/world", "P=${PATH}:/opt/java/bin", "MISSING=${NOPE}x"})
	e.base = Var{"PATH": "/usr/bin", "JAVA_OPTS": "-Xmx1G"}

	got := toMap(e.Merge(ServerVars(3, "survival", "/srv/mc")))
	assert.Equal(t, "-Xmx4G", got["JAVA_OPTS"])
	assert.Equal(t, "/srv/mc/world", got["WORLD"])
	assert.Equal(t, "/usr/bin:/opt/java/bin", got["P"])
	assert.Equal(t, "x", got["MISSING"])
	assert.Equal(t, "3", got["CRAFTVISOR_SERVER_ID"])
	assert.Equal(t, "survival", got["CRAFTVISOR_SERVER_NAME"])
	assert.Equal(t, "/usr/bin", got["PATH"])
}

func TestMergeInheritsOS(t *testing.T) {
	t.Setenv("CRAFTVISOR_ENV_TEST", "yes")
	got := toMap(New(nil).Merge(nil))
	assert.Equal(t, "yes", got["CRAFTVISOR_ENV_TEST"])
}
