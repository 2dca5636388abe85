package storage

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (p *recordingPutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.inputs = append(p.inputs, in)
	p.bodies = append(p.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_ArchiveRun(t *testing.T) {
	putter := &recordingPutter{}
	a := &S3Archiver{client: putter, cfg: S3Config{Bucket: "renewals", Region: "us-east-1", Prefix: "prod"}}

	run := &models.JobRun{
		ID:        42,
		Job:       models.JobReminders,
		StartedAt: time.Date(2026, 4, 3, 13, 0, 0, 0, time.UTC),
		Status:    models.RunStatusCompleted,
		Summary:   json.RawMessage(`{"sent":4}`),
	}

	key, err := a.ArchiveRun(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, "prod/runs/reminders/2026-04-03/42.json", key)

	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "renewals", *putter.inputs[0].Bucket)
	assert.Equal(t, "application/json", *putter.inputs[0].ContentType)

	var decoded models.JobRun
	require.NoError(t, json.Unmarshal(putter.bodies[0], &decoded))
	assert.Equal(t, int64(42), decoded.ID)
	assert.JSONEq(t, `{"sent":4}`, string(decoded.Summary))
}

func TestS3Archiver_ObjectURL(t *testing.T) {
	aws := &S3Archiver{cfg: S3Config{Bucket: "b", Region: "us-east-2"}}
	assert.Equal(t, "https://b.s3.us-east-2.amazonaws.com/runs/x.json", aws.ObjectURL("runs/x.json"))

	spaces := &S3Archiver{cfg: S3Config{Bucket: "b", Endpoint: "https://nyc3.digitaloceanspaces.com"}}
	assert.Equal(t, "https://b.nyc3.digitaloceanspaces.com/k", spaces.ObjectURL("k"))

	minio := &S3Archiver{cfg: S3Config{Bucket: "b", Endpoint: "http://localhost:9000/"}}
	assert.Equal(t, "http://localhost:9000/b/k", minio.ObjectURL("k"))
}
