// Package archive ships verified audit chain segments to object storage.
// Bundles are content-addressed by their SHA-256, so re-archiving the same
// segment is a no-op and any later download can be integrity-checked.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aureus-labs/sentinel/pkg/audit"
	"github.com/aureus-labs/sentinel/pkg/breaker"
	"github.com/aureus-labs/sentinel/pkg/canonical"
	"github.com/aureus-labs/sentinel/pkg/faults"
)

// ErrChainNotArchivable is returned when the chain fails verification; a
// broken chain is never shipped off-host.
var ErrChainNotArchivable = errors.New("archive: audit chain failed verification")

// ErrBundleCorrupt is returned when a downloaded bundle does not match its
// content address.
var ErrBundleCorrupt = errors.New("archive: bundle content does not match its hash")

// Manifest describes one archived bundle.
type Manifest struct {
	BundleID    string    `json:"bundle_id"`
	FromSeq     uint64    `json:"from_seq"`
	ToSeq       uint64    `json:"to_seq"`
	EntryCount  int       `json:"entry_count"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config holds object storage settings. Endpoint supports MinIO and
// LocalStack, which need path-style addressing.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// objectAPI is the slice of the S3 client the archiver uses.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archiver ships audit bundles to a bucket behind the external-api breaker.
type Archiver struct {
	client   objectAPI
	bucket   string
	prefix   string
	cb       *breaker.Breaker
	injector *faults.Injector
	now      func() time.Time
}

// Option customizes an Archiver.
type Option func(*Archiver)

// WithBreaker replaces the default external-api breaker.
func WithBreaker(cb *breaker.Breaker) Option {
	return func(a *Archiver) { a.cb = cb }
}

// WithInjector attaches a fault injector to the storage seam.
func WithInjector(injector *faults.Injector) Option {
	return func(a *Archiver) { a.injector = injector }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// New creates an Archiver against real object storage.
func New(ctx context.Context, cfg Config, opts ...Option) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg, opts...), nil
}

// NewWithClient creates an Archiver over an existing client.
func NewWithClient(client objectAPI, cfg Config, opts ...Option) *Archiver {
	a := &Archiver{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		cb:       breaker.New("archive", breaker.ProfileExternalAPI),
		injector: faults.Disabled(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveChain verifies the chain, serializes it as JSONL, and uploads it
// under its content hash. Re-archiving an unchanged chain is idempotent.
func (a *Archiver) ArchiveChain(ctx context.Context, chain *audit.Chain) (Manifest, error) {
	res, err := chain.Verify()
	if err != nil {
		return Manifest{}, err
	}
	if !res.OK {
		return Manifest{}, fmt.Errorf("%w: first broken seq %d", ErrChainNotArchivable, res.FirstBrokenSeq)
	}
	entries, err := chain.Entries()
	if err != nil {
		return Manifest{}, err
	}
	if len(entries) == 0 {
		return Manifest{}, fmt.Errorf("%w: chain is empty", ErrChainNotArchivable)
	}

	var buf bytes.Buffer
	if err := audit.Export(&buf, entries, audit.FormatJSONL, 0); err != nil {
		return Manifest{}, err
	}
	hash := canonical.HashBytes(buf.Bytes())

	manifest := Manifest{
		BundleID:    "bundle-" + strings.TrimPrefix(hash, "sha256:")[:16],
		FromSeq:     entries[0].Seq,
		ToSeq:       entries[len(entries)-1].Seq,
		EntryCount:  len(entries),
		ContentHash: hash,
		CreatedAt:   a.now(),
	}

	err = a.cb.Do(ctx, func(ctx context.Context) error {
		if err := a.injector.Check(ctx, faults.SeamExternalAPI); err != nil {
			return err
		}

		key := a.key(hash)
		if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
		}); err == nil {
			return nil
		}

		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		}); err != nil {
			return fmt.Errorf("archive: upload bundle: %w", err)
		}

		manifestJSON, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(a.manifestKey(hash)),
			Body:        bytes.NewReader(manifestJSON),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return fmt.Errorf("archive: upload manifest: %w", err)
		}
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Fetch downloads a bundle by content hash, checks it against its address,
// and parses the entries.
func (a *Archiver) Fetch(ctx context.Context, contentHash string) ([]audit.Entry, error) {
	var data []byte
	err := a.cb.Do(ctx, func(ctx context.Context) error {
		if err := a.injector.Check(ctx, faults.SeamExternalAPI); err != nil {
			return err
		}
		out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.key(contentHash)),
		})
		if err != nil {
			return fmt.Errorf("archive: download bundle %s: %w", contentHash, err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	if canonical.HashBytes(data) != contentHash {
		return nil, fmt.Errorf("%w: %s", ErrBundleCorrupt, contentHash)
	}

	var entries []audit.Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry audit.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("archive: parse bundle line: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (a *Archiver) key(hash string) string         { return a.prefix + hash + ".jsonl" }
func (a *Archiver) manifestKey(hash string) string { return a.prefix + hash + ".manifest.json" }
