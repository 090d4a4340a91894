package clickhouse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsDefaults(t *testing.T) {
	o := Options{Addr: "localhost:9000"}.withDefaults()
	assert.Equal(t, "default", o.Database)
	assert.Equal(t, "default", o.Username)
	assert.Equal(t, "server_history", o.Table)

	o = Options{Addr: "x", Database: "game", Table: "events"}.withDefaults()
	assert.Equal(t, "game", o.Database)
	assert.Equal(t, "events", o.Table)
}

func TestQueries(t *testing.T) {
	q := insertQuery("events")
	assert.True(t, strings.HasPrefix(q, "INSERT INTO events ("))
	assert.Equal(t, 7, strings.Count(q, "?"))

	c := createTableQuery("events")
	assert.Contains(t, c, "CREATE TABLE IF NOT EXISTS events")
	assert.Contains(t, c, "MergeTree")
}
