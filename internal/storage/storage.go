// Package storage persists images, quadtree records, overlay metadata
// and export artifacts behind a blob bucket.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"time"

	"github.com/disintegration/imaging"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	_ "golang.org/x/image/tiff"
)

// ErrNotFound is returned when a record, image or artifact does not
// exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface the export pipeline depends on.
type Store interface {
	// LoadImage returns the decoded raster for ref. The result is
	// always 4-channel; sources in other formats are converted once
	// and the converted form persisted back.
	LoadImage(ctx context.Context, ref string) (*image.NRGBA, error)

	// SaveConvertedImage persists img as PNG under ref.
	SaveConvertedImage(ctx context.Context, ref string, img image.Image) error

	GetQuadTree(ctx context.Context, id string) (*QuadTree, error)
	PutQuadTree(ctx context.Context, qt *QuadTree) error

	GetOverlayMetadata(ctx context.Context, quadTreeID string) (*OverlayMetadata, error)
	PutOverlayMetadata(ctx context.Context, quadTreeID string, meta *OverlayMetadata) error

	// AttachArtifact stores the archive bytes under name and records
	// name as the latest artifact of the given kind on the quadtree.
	// Last writer wins on the reference; blobs are append-only.
	AttachArtifact(ctx context.Context, quadTreeID string, kind ArtifactKind, name string, data []byte) error

	// GetArtifact returns a previously attached archive by name.
	GetArtifact(ctx context.Context, name string) ([]byte, error)
}

// BlobStore implements Store over a gocloud.dev blob bucket
// (fileblob in deployments, memblob in tests).
type BlobStore struct {
	bucket *blob.Bucket
}

// NewBlobStore wraps an opened bucket. The caller keeps ownership of
// the bucket's lifetime.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

func imageKey(ref string) string     { return "images/" + ref }
func quadTreeKey(id string) string   { return "quadtrees/" + id + ".json" }
func overlayKey(id string) string    { return "overlays/" + id + ".json" }
func artifactKey(name string) string { return "exports/" + name }

func (s *BlobStore) LoadImage(ctx context.Context, ref string) (*image.NRGBA, error) {
	data, err := s.bucket.ReadAll(ctx, imageKey(ref))
	if err != nil {
		return nil, wrapErr(fmt.Errorf("loading image %s: %w", ref, err))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", ref, err)
	}

	switch img := img.(type) {
	case *image.NRGBA:
		return img, nil
	case *image.RGBA:
		// Already 4-channel. A fully opaque image persists as 24-bit
		// truecolor PNG and decodes back as RGBA, so re-persisting
		// here would repeat on every load.
		return imaging.Clone(img), nil
	}

	// Convert once and persist the converted form so the cost is paid
	// at most once per image.
	nrgba := imaging.Clone(img)
	if err := s.SaveConvertedImage(ctx, ref, nrgba); err != nil {
		return nil, fmt.Errorf("persisting converted image %s: %w", ref, err)
	}
	return nrgba, nil
}

func (s *BlobStore) SaveConvertedImage(ctx context.Context, ref string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encoding image %s: %w", ref, err)
	}
	if err := s.bucket.WriteAll(ctx, imageKey(ref), buf.Bytes(), nil); err != nil {
		return wrapErr(fmt.Errorf("writing image %s: %w", ref, err))
	}
	return nil
}

func (s *BlobStore) GetQuadTree(ctx context.Context, id string) (*QuadTree, error) {
	var qt QuadTree
	if err := s.readJSON(ctx, quadTreeKey(id), &qt); err != nil {
		return nil, fmt.Errorf("quadtree %s: %w", id, err)
	}
	return &qt, nil
}

func (s *BlobStore) PutQuadTree(ctx context.Context, qt *QuadTree) error {
	qt.LastModified = time.Now().UTC()
	return s.writeJSON(ctx, quadTreeKey(qt.ID), qt)
}

func (s *BlobStore) GetOverlayMetadata(ctx context.Context, quadTreeID string) (*OverlayMetadata, error) {
	var meta OverlayMetadata
	if err := s.readJSON(ctx, overlayKey(quadTreeID), &meta); err != nil {
		return nil, fmt.Errorf("overlay metadata for quadtree %s: %w", quadTreeID, err)
	}
	return &meta, nil
}

func (s *BlobStore) PutOverlayMetadata(ctx context.Context, quadTreeID string, meta *OverlayMetadata) error {
	return s.writeJSON(ctx, overlayKey(quadTreeID), meta)
}

func (s *BlobStore) AttachArtifact(ctx context.Context, quadTreeID string, kind ArtifactKind, name string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, artifactKey(name), data, nil); err != nil {
		return wrapErr(fmt.Errorf("writing artifact %s: %w", name, err))
	}

	qt, err := s.GetQuadTree(ctx, quadTreeID)
	if err != nil {
		return err
	}
	qt.setArtifactName(kind, name)
	return s.PutQuadTree(ctx, qt)
}

func (s *BlobStore) GetArtifact(ctx context.Context, name string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, artifactKey(name))
	if err != nil {
		return nil, wrapErr(fmt.Errorf("reading artifact %s: %w", name, err))
	}
	return data, nil
}

func (s *BlobStore) readJSON(ctx context.Context, key string, v any) error {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return wrapErr(err)
	}
	return json.Unmarshal(data, v)
}

func (s *BlobStore) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return wrapErr(err)
	}
	return nil
}

// wrapErr maps bucket-level not-found codes onto ErrNotFound so
// callers can test with errors.Is without knowing the backend.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
