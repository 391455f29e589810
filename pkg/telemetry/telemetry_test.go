package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{}, nil)
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)
	assert.Nil(t, tel.Registry)
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsAreExported(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojostore-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer shutdown(context.Background())
	assert.Empty(t, tel.MetricsAddr)

	counter, err := tel.Meter.Int64Counter("gojostore.test.ops_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	srv := httptest.NewServer(tel.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gojostore_test_ops_total")
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{PrometheusPort: 70000}.Validate())
	require.Error(t, Config{TraceSampleRatio: 2}.Validate())

	_, _, err := New(Config{Enabled: true, TraceSampleRatio: -1}, nil)
	require.Error(t, err)
}
