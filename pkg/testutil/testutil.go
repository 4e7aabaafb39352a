package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// RequireEqualStatus asserts that two grpc Statuses are equal.
func RequireEqualStatus(t *testing.T, want, got error) {
	t.Helper()
	wantProto := status.Convert(want).Proto()
	gotProto := status.Convert(got).Proto()
	require.True(t, proto.Equal(wantProto, gotProto), "want status %#v, got %#v", wantProto, gotProto)
}
