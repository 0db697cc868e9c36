package artifacts

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(aws.ToString(params.Bucket), aws.ToString(params.Key))
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) Upload(ctx context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	body, _ := io.ReadAll(input.Body)
	args := m.Called(aws.ToString(input.Bucket), aws.ToString(input.Key), string(body))
	out, _ := args.Get(0).(*manager.UploadOutput)
	return out, args.Error(1)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	ref, err := m.Put(ctx, PayloadKey("abc"), []byte(`{"elements":[]}`), "")
	require.NoError(t, err)
	assert.Equal(t, "mem://payloads/abc.json", ref)

	// Same key is written once.
	_, err = m.Put(ctx, PayloadKey("abc"), []byte(`other`), "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"elements":[]}`, string(got))

	_, err = m.Get(ctx, "mem://missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3StorePutUsesPrefixedKey(t *testing.T) {
	api := new(mockS3)
	s := &S3Store{bucket: "designs", prefix: "design-core", client: api, uploader: api}
	api.On("Upload", "designs", "design-core/payloads/abc.json", `{"a":1}`).Return(&manager.UploadOutput{}, nil)

	ref, err := s.Put(context.Background(), PayloadKey("abc"), []byte(`{"a":1}`), "")
	require.NoError(t, err)
	assert.Equal(t, "s3://designs/design-core/payloads/abc.json", ref)
	api.AssertExpectations(t)
}

func TestS3StoreGet(t *testing.T) {
	api := new(mockS3)
	s := &S3Store{bucket: "designs", prefix: "design-core", client: api, uploader: api}
	api.On("GetObject", "designs", "design-core/payloads/abc.json").
		Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(`{"a":1}`)))}, nil)
	api.On("GetObject", "designs", "design-core/payloads/gone.json").
		Return(nil, &s3types.NoSuchKey{})

	got, err := s.Get(context.Background(), "s3://designs/design-core/payloads/abc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	_, err = s.Get(context.Background(), "s3://designs/design-core/payloads/gone.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), "mem://payloads/abc.json")
	assert.Error(t, err)
}
