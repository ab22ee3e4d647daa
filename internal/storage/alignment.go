package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mapfasten/mapfasten/internal/geom"
)

// CreateQuadTree persists a fresh quadtree record for an image. A nil
// params creates an unwarped record whose tiles are plain crops.
func (s *BlobStore) CreateQuadTree(ctx context.Context, imageRef string, params *geom.Params) (*QuadTree, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	qt := &QuadTree{
		ID:           id,
		ImageRef:     imageRef,
		Transform:    params,
		LastModified: time.Now().UTC(),
	}
	if err := s.PutQuadTree(ctx, qt); err != nil {
		return nil, err
	}
	return qt, nil
}

// UpdateAlignment fits a transform to the overlay's tie points and
// stores it on both the overlay metadata and the quadtree record. The
// fitting method escalates with the number of points.
func UpdateAlignment(ctx context.Context, s Store, quadTreeID string, points []geom.TiePoint) (*geom.Params, error) {
	params, err := geom.FitTransform(points)
	if err != nil {
		return nil, fmt.Errorf("fitting alignment transform: %w", err)
	}

	qt, err := s.GetQuadTree(ctx, quadTreeID)
	if err != nil {
		return nil, err
	}
	qt.Transform = &params
	qt.LastModified = time.Now().UTC()
	if err := s.PutQuadTree(ctx, qt); err != nil {
		return nil, err
	}

	meta, err := s.GetOverlayMetadata(ctx, quadTreeID)
	if err != nil {
		return nil, err
	}
	meta.Transform = &params
	if err := s.PutOverlayMetadata(ctx, quadTreeID, meta); err != nil {
		return nil, err
	}
	return &params, nil
}

func newID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating record id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
