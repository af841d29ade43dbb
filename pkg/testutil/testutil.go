package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// statusString renders the status contained in an error as
// multi-line JSON, so that failed assertions print a readable diff.
func statusString(t *testing.T, err error) string {
	s, marshalErr := protojson.MarshalOptions{Multiline: true}.Marshal(status.Convert(err).Proto())
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	return string(s)
}

// RequireEqualStatus asserts that two gRPC statuses are equal. Errors
// returned by the page map and state layout code wrap status codes, so
// this is the main assertion used against their results.
func RequireEqualStatus(t *testing.T, want, got error) {
	t.Helper()
	if !proto.Equal(status.Convert(want).Proto(), status.Convert(got).Proto()) {
		t.Fatalf("Not equal:\nWant:\n\n%s\n\nGot:\n\n%s", statusString(t, want), statusString(t, got))
	}
}

// RequirePrefixedStatus asserts that two errors have the same code and
// details, except that the message of got may have extra trailing
// characters. This is useful for errors that embed operating system
// error strings.
func RequirePrefixedStatus(t *testing.T, want, got error) {
	t.Helper()
	wantStatus := status.Convert(want).Proto()
	gotStatus := status.Convert(got).Proto()
	require.Equal(t, wantStatus.GetCode(), gotStatus.GetCode(), "Status codes differ")
	require.Truef(t, strings.HasPrefix(gotStatus.GetMessage(), wantStatus.GetMessage()), "Want message %#v to have prefix %#v", gotStatus.GetMessage(), wantStatus.GetMessage())
	require.Equal(t, len(wantStatus.GetDetails()), len(gotStatus.GetDetails()), "Number of status details differ")
	for i, detail := range wantStatus.GetDetails() {
		require.Truef(t, proto.Equal(detail, gotStatus.GetDetails()[i]), "Status detail %d differs: %s", i, statusString(t, got))
	}
}
