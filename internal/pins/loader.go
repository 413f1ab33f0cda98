package pins

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/xerrors"
)

// maxManifestBytes caps a manifest download; pin sets are small.
const maxManifestBytes = 4 << 20

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the hex SHA-256 of the current manifest
	SSMParam string

	// S3 location for manifests: s3://{bucket}/{prefix}/{hash}.json
	S3Bucket string
	S3Prefix string

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

// Loader fetches pin manifests from S3, keyed by the hash published
// in SSM.
type Loader struct {
	opts      LoaderOptions
	ssmClient *ssm.Client
	s3Client  *s3.Client
	logger    log.Logger
}

func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	return &Loader{
		opts:      opts,
		ssmClient: ssm.NewFromConfig(awsCfg),
		s3Client:  s3.NewFromConfig(awsCfg),
		logger:    opts.Logger,
	}, nil
}

// FetchCurrentManifestHash gets the current manifest hash from SSM.
func (l *Loader) FetchCurrentManifestHash(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.TrimSpace(*out.Parameter.Value)
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}

	return hash, nil
}

// s3Key returns the S3 object key for a given manifest hash.
func (l *Loader) s3Key(hash string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.json", l.opts.S3Prefix, hash)
	}
	return fmt.Sprintf("%s.json", hash)
}

// LoadHash downloads, checks, and parses a specific manifest by hash.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Set, error) {
	key := l.s3Key(hash)
	loadedAt := time.Now().UTC()

	l.logger.Info(ctx, "downloading pin manifest",
		"bucket", l.opts.S3Bucket,
		"key", key,
		"expected_hash", hash,
	)

	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxManifestBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read manifest body")
	}
	if len(data) > maxManifestBytes {
		return nil, xerrors.Newf("manifest exceeds %d bytes", maxManifestBytes)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(actual), []byte(hash)) != 1 {
		return nil, xerrors.Newf("manifest checksum mismatch: expected %s, got %s", hash, actual)
	}

	set, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	set.SHA256 = hash
	set.LoadedAt = loadedAt

	l.logger.Info(ctx, "loaded pin manifest",
		"version", set.Version,
		"pins", set.Count(),
		"hash", hash,
	)

	return set, nil
}

// Load fetches the current manifest and returns its pin set.
func (l *Loader) Load(ctx context.Context) (*Set, error) {
	hash, err := l.FetchCurrentManifestHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadIntoStore fetches the current manifest and swaps it in.
func (l *Loader) LoadIntoStore(ctx context.Context, store *Store) error {
	set, err := l.Load(ctx)
	if err != nil {
		return err
	}
	store.Swap(set)
	return nil
}
