package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/fleetctl/internal/fleet"
)

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
	lastPut *s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.lastPut = in
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestReportKey(t *testing.T) {
	s := newReportStore(&fakeS3{}, "ops", "/fleetctl/reports/")
	assert.Equal(t, "fleetctl/reports/staging/run-1.json", s.ReportKey(&fleet.Report{RunID: "run-1", Environment: "staging"}))
	assert.Equal(t, "fleetctl/reports/retype/run-2.json", s.ReportKey(&fleet.Report{RunID: "run-2", Kind: fleet.KindRetype}))

	bare := newReportStore(&fakeS3{}, "ops", "")
	assert.Equal(t, "production/run-3.json", bare.ReportKey(&fleet.Report{RunID: "run-3", Environment: "production"}))
}

func TestUpload(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s := newReportStore(fake, "ops", "reports")

	report := &fleet.Report{RunID: "run-1", Kind: fleet.KindLifecycle, Action: fleet.ActionStop, Environment: "staging"}
	key, err := s.Upload(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, "reports/staging/run-1.json", key)
	assert.Equal(t, "application/json", aws.ToString(fake.lastPut.ContentType))

	data, ok := fake.objects["ops/"+key]
	require.True(t, ok)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "stop", got["action"])
	assert.Equal(t, float64(0), got["exit_code"])
}

func TestUploadError(t *testing.T) {
	s := newReportStore(&fakeS3{putErr: errors.New("AccessDenied")}, "ops", "reports")
	_, err := s.Upload(context.Background(), &fleet.Report{RunID: "run-1", Environment: "staging"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://ops/reports/staging/run-1.json")
}
