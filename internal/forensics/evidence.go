package forensics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

const prefixEvidence = "evidence"

// MaxEvidenceBytes caps a single evidence attachment.
const MaxEvidenceBytes = 32 << 20

// Evidence is an attachment supplied with an investigation update.
type Evidence struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

// RemoteArchive stores evidence blobs outside the node.
type RemoteArchive interface {
	PutObject(ctx context.Context, key, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// EvidenceArchive keeps evidence blobs in the local store, compressed by the
// store, and mirrors them to a remote archive when one is configured.
type EvidenceArchive struct {
	st     *store.Store
	remote RemoteArchive
}

// NewEvidenceArchive creates an archive. remote may be nil.
func NewEvidenceArchive(st *store.Store, remote RemoteArchive) *EvidenceArchive {
	return &EvidenceArchive{st: st, remote: remote}
}

type evidenceBlob struct {
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

func evidenceKey(detectionID, id string) string {
	return store.Key(prefixEvidence, detectionID, id)
}

// Put archives one attachment of a detection.
func (a *EvidenceArchive) Put(ctx context.Context, detectionID string, ev Evidence) (*EvidenceRef, error) {
	if ev.Name == "" {
		return nil, apierrors.Validation("evidence name is required")
	}

	if len(ev.Data) == 0 || len(ev.Data) > MaxEvidenceBytes {
		return nil, apierrors.Validation("evidence %s must be between 1 and %d bytes", ev.Name, MaxEvidenceBytes)
	}

	sum := sha256.Sum256(ev.Data)

	ref := &EvidenceRef{
		AddedAt:     time.Now().UTC(),
		ID:          uuid.New().String(),
		Name:        ev.Name,
		ContentType: ev.ContentType,
		SHA256:      hex.EncodeToString(sum[:]),
		Size:        int64(len(ev.Data)),
	}

	key := evidenceKey(detectionID, ref.ID)
	if err := a.st.Put(key, &evidenceBlob{ContentType: ev.ContentType, Data: ev.Data}); err != nil {
		return nil, fmt.Errorf("failed to archive evidence %s: %w", ev.Name, err)
	}

	ref.Location = "store://" + key

	if a.remote != nil {
		loc, err := a.remote.PutObject(ctx, detectionID+"/"+ref.ID, ev.ContentType, ev.Data)
		if err != nil {
			log.Warn().
				Err(err).
				Str("detection_id", detectionID).
				Str("evidence_id", ref.ID).
				Msg("Failed to mirror evidence to remote archive")
		} else {
			ref.RemoteLocation = loc
		}
	}

	return ref, nil
}

// Get returns an archived blob, falling back to the remote copy.
func (a *EvidenceArchive) Get(ctx context.Context, detectionID, evidenceID string) ([]byte, string, error) {
	var blob evidenceBlob

	err := a.st.Get(evidenceKey(detectionID, evidenceID), &blob)
	if err == nil {
		return blob.Data, blob.ContentType, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}

	if a.remote == nil {
		return nil, "", apierrors.NotFound("evidence", evidenceID)
	}

	data, err := a.remote.GetObject(ctx, detectionID+"/"+evidenceID)
	if err != nil {
		return nil, "", err
	}

	return data, "", nil
}

// S3Config configures the S3-compatible evidence bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Archive stores evidence in an S3-compatible bucket.
type S3Archive struct {
	client *minio.Client
	bucket string
}

// NewS3Archive connects to the bucket, creating it when missing.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	}

	if cfg.Region != "" {
		opts.Region = cfg.Region
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create evidence archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check evidence bucket: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create evidence bucket: %w", err)
		}

		log.Info().Str("bucket", cfg.Bucket).Msg("Evidence bucket created")
	}

	return &S3Archive{client: client, bucket: cfg.Bucket}, nil
}

// PutObject implements RemoteArchive.
func (a *S3Archive) PutObject(ctx context.Context, key, contentType string, data []byte) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}

	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", apierrors.Transient("evidence archive", err)
	}

	return "s3://" + a.bucket + "/" + key, nil
}

// GetObject implements RemoteArchive.
func (a *S3Archive) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apierrors.Transient("evidence archive", err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(io.LimitReader(obj, MaxEvidenceBytes+1))
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apierrors.NotFound("evidence", key)
		}

		return nil, apierrors.Transient("evidence archive", err)
	}

	return data, nil
}
