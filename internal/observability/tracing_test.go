package observability_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentstation/depot/internal/observability"
	"github.com/agentstation/depot/pkg/errors"
)

func TestStdoutTracing(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := observability.InitTracing(observability.Config{
		Exporter:    "stdout",
		ServiceName: "depot-test",
		Output:      &buf,
	})
	require.NoError(t, err)

	_, span := observability.StartSpan(context.Background(), "steamcmd.app_update",
		attribute.String("depot.title_id", "440"))
	observability.EndSpan(span, errors.NewJobError(errors.KindStall, "no output", nil))

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "steamcmd.app_update")
	assert.Contains(t, out, "StallError")
	assert.Contains(t, out, "depot-test")
}
