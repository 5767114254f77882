// Package artifacts archives per-batch proof material to object storage so that
// settlement disputes and re-verification do not depend on database retention.
package artifacts

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"
)

var (
	ErrInvalidConfig = errors.New("artifacts: invalid config")
	ErrNotFound      = errors.New("artifacts: not found")
)

// Archive persists proof artifacts for a batch. Writes are idempotent: a batch's
// proof and public inputs are immutable once accepted, so overwrites carry the
// same content.
type Archive interface {
	PutProof(ctx context.Context, batchID [32]byte, proof []byte) error
	PutPublicInputs(ctx context.Context, batchID [32]byte, inputs []*big.Int) error
	PutSettlementCalldata(ctx context.Context, batchID [32]byte, calldata []byte) error
}

type Config struct {
	Driver string
	Prefix string

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		return NewMemoryArchive(cfg.Prefix), nil
	case DriverS3, "":
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func proofKey(batchID [32]byte) string {
	return "batches/" + hex.EncodeToString(batchID[:]) + "/proof.bin"
}

func publicInputsKey(batchID [32]byte) string {
	return "batches/" + hex.EncodeToString(batchID[:]) + "/public_inputs.txt"
}

func settlementCalldataKey(batchID [32]byte) string {
	return "batches/" + hex.EncodeToString(batchID[:]) + "/handle_ops.bin"
}

// encodeInputs renders public inputs one decimal value per line, matching how
// they are handed to provers.
func encodeInputs(inputs []*big.Int) []byte {
	var buf bytes.Buffer
	for _, v := range inputs {
		if v == nil {
			v = new(big.Int)
		}
		buf.WriteString(v.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

type s3Archive struct {
	client S3Client
	bucket string
	prefix string
}

func newS3Archive(cfg Config) (*s3Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Archive{
		client: cfg.S3Client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}, nil
}

func (a *s3Archive) put(ctx context.Context, key string, payload []byte, contentType string, batchID [32]byte, kind string) error {
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"artifact-type": kind,
			"batch-id":      hex.EncodeToString(batchID[:]),
		},
	})
	if err != nil {
		return fmt.Errorf("artifacts/s3: put %q: %w", key, err)
	}
	return nil
}

func (a *s3Archive) PutProof(ctx context.Context, batchID [32]byte, proof []byte) error {
	return a.put(ctx, proofKey(batchID), proof, "application/octet-stream", batchID, "batch-proof")
}

func (a *s3Archive) PutPublicInputs(ctx context.Context, batchID [32]byte, inputs []*big.Int) error {
	return a.put(ctx, publicInputsKey(batchID), encodeInputs(inputs), "text/plain; charset=utf-8", batchID, "batch-public-inputs")
}

func (a *s3Archive) PutSettlementCalldata(ctx context.Context, batchID [32]byte, calldata []byte) error {
	return a.put(ctx, settlementCalldataKey(batchID), calldata, "application/octet-stream", batchID, "batch-settlement-calldata")
}

// IsNotFound reports whether an S3 error denotes a missing object.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}

// MemoryArchive is an in-memory Archive for tests.
type MemoryArchive struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func NewMemoryArchive(prefix string) *MemoryArchive {
	return &MemoryArchive{
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		objects: make(map[string][]byte),
	}
}

func (m *MemoryArchive) put(key string, payload []byte) error {
	if m.prefix != "" {
		key = m.prefix + "/" + key
	}
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryArchive) PutProof(_ context.Context, batchID [32]byte, proof []byte) error {
	return m.put(proofKey(batchID), proof)
}

func (m *MemoryArchive) PutPublicInputs(_ context.Context, batchID [32]byte, inputs []*big.Int) error {
	return m.put(publicInputsKey(batchID), encodeInputs(inputs))
}

func (m *MemoryArchive) PutSettlementCalldata(_ context.Context, batchID [32]byte, calldata []byte) error {
	return m.put(settlementCalldataKey(batchID), calldata)
}

// Get returns a stored object by logical key; tests use it to assert archived content.
func (m *MemoryArchive) Get(key string) ([]byte, error) {
	if m.prefix != "" {
		key = m.prefix + "/" + key
	}
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// ProofKey exposes the logical key layout for tests and operational tooling.
func ProofKey(batchID [32]byte) string { return proofKey(batchID) }

// PublicInputsKey exposes the logical key layout for tests and operational tooling.
func PublicInputsKey(batchID [32]byte) string { return publicInputsKey(batchID) }

// SettlementCalldataKey exposes the logical key layout for tests and operational tooling.
func SettlementCalldataKey(batchID [32]byte) string { return settlementCalldataKey(batchID) }
