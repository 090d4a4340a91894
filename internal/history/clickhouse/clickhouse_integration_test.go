package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/craftvisor/internal/history"
)

// startClickHouse runs a plain clickhouse-server container and returns the
// native protocol address. It skips the test if Docker is unavailable.
func startClickHouse(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.3",
			ExposedPorts: []string{"9000/tcp", "8123/tcp"},
			Env:          map[string]string{"CLICKHOUSE_SKIP_USER_SETUP": "1"},
			WaitingFor:   wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}
	host, err := ctr.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "9000/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	return host + ":" + port.Port()
}

func TestClickHouseSinkIntegration(t *testing.T) {
	addr := startClickHouse(t)
	ctx := context.Background()

	sink, err := New(Options{Addr: addr, Table: "server_history_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	require.NoError(t, sink.EnsureTable(ctx))

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now, ServerID: 1, PID: 4242}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventSchedule, OccurredAt: now, ServerID: 1, ScheduleID: 9, Error: "server busy"}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT count() FROM server_history_test WHERE server_id = 1").Scan(&count))
	assert.Equal(t, uint64(2), count)

	var errText string
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT error FROM server_history_test WHERE schedule_id = 9").Scan(&errText))
	assert.Equal(t, "server busy", errText)
}
