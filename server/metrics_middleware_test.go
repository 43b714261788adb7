package server

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsMiddleware(reg)
	require.NoError(t, err)

	invoke := NewInvoker(UnimplementedSharedFilesystem{})
	chain := chainMiddleware{m}

	_, err = chain.HandleRequest(context.Background(), &fine.RequestHeader{Op: fine.OpLookup, RequestID: 1}, &fine.LookupRequest{Name: "a"}, invoke)
	require.Error(t, err)
	_, err = chain.HandleRequest(context.Background(), &fine.RequestHeader{Op: fine.OpStatfs, RequestID: 2}, nil, invoke)
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("LOOKUP", "ENOSYS")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("STATFS", "ok")))

	// Registering twice fails.
	_, err = NewMetricsMiddleware(reg)
	require.Error(t, err)
}
