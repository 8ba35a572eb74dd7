package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/charmbracelet/log"
)

// Mirror receives a copy of every checkpoint written locally.
type Mirror interface {
	Upload(ctx context.Context, localPath string) error
}

// S3Client is the subset of the S3 API used for mirroring.
type S3Client interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads checkpoints to Bucket under Prefix.
type S3Mirror struct {
	Client S3Client
	Bucket string
	Prefix string
}

// NewS3Mirror connects to S3 in region. A non-empty endpoint overrides the
// S3 service URL, for S3-compatible object stores.
func NewS3Mirror(bucket, prefix, region, endpoint string) (*S3Mirror, error) {
	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		def := endpoints.DefaultResolver()
		cfg.EndpointResolver = endpoints.ResolverFunc(func(service, region string, opts ...func(*endpoints.Options)) (endpoints.ResolvedEndpoint, error) {
			if service == s3.EndpointsID {
				return endpoints.ResolvedEndpoint{URL: endpoint}, nil
			}
			return def.EndpointFor(service, region, opts...)
		})
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return &S3Mirror{Client: s3.New(sess), Bucket: bucket, Prefix: prefix}, nil
}

// Key returns the object key for a local checkpoint file.
func (m *S3Mirror) Key(localPath string) string {
	return path.Join(m.Prefix, filepath.Base(localPath))
}

func (m *S3Mirror) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = m.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.Key(localPath)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", m.Bucket, m.Key(localPath), err)
	}
	return nil
}

// Saver writes checkpoints into Dir, retrying a failed write, and forwards
// them to an optional Mirror.
type Saver struct {
	Dir    string
	Mirror Mirror
	// Retries is the number of extra attempts after a failed write.
	Retries int
	Logger  *log.Logger

	write func(string, *State) error
}

// NewSaver returns a Saver for dir with one retry.
func NewSaver(dir string, logger *log.Logger) *Saver {
	return &Saver{Dir: dir, Retries: 1, Logger: logger}
}

// Save writes st as ckpt-<step>.gob and returns its path. Mirror failures
// are logged and do not fail the save.
func (s *Saver) Save(ctx context.Context, st *State) (string, error) {
	write := s.write
	if write == nil {
		write = Write
	}
	p := filepath.Join(s.Dir, FileName(st.Step))

	var err error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		if err = write(p, st); err == nil {
			break
		}
		s.logger().Warn("checkpoint write failed", "path", p, "attempt", attempt+1, "err", err)
	}
	if err != nil {
		return "", fmt.Errorf("save checkpoint %s: %w", p, err)
	}

	if s.Mirror != nil {
		if err := s.Mirror.Upload(ctx, p); err != nil {
			s.logger().Error("checkpoint mirror failed", "path", p, "err", err)
		} else {
			s.logger().Debug("checkpoint mirrored", "path", p)
		}
	}
	return p, nil
}

func (s *Saver) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}
