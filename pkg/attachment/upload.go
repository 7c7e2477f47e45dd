package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/storage"
)

// Pipeline uploads staged attachments to one backend's store.
type Pipeline struct {
	store storage.AttachmentStore
}

func NewPipeline(store storage.AttachmentStore) *Pipeline {
	return &Pipeline{store: store}
}

// Upload resizes s when needed and writes it to durable storage. The
// returned reference carries the durable URL.
func (p *Pipeline) Upload(ctx context.Context, ownerID string, s Staged) (domain.AttachmentReference, error) {
	data, mediaType := s.Data, s.MediaType
	resized, outType, changed, err := Downscale(data, mediaType)
	switch {
	case err != nil:
		slog.Warn("attachment resize skipped", "media_type", mediaType, "err", err)
	case changed:
		data, mediaType = resized, outType
	}
	key := buildObjectKey(ownerID, mediaType)
	url, err := p.store.Upload(ctx, key, data, mediaType)
	if err != nil {
		return domain.AttachmentReference{}, fmt.Errorf("upload attachment: %w", err)
	}
	ref := s.AttachmentReference
	ref.URL = url
	ref.MediaType = mediaType
	ref.Size = int64(len(data))
	return ref, nil
}

// UploadAll uploads every staged file concurrently. Results keep input
// order. The first failure cancels the rest and removes what was already
// uploaded.
func (p *Pipeline) UploadAll(ctx context.Context, ownerID string, staged []Staged) ([]domain.AttachmentReference, error) {
	refs := make([]domain.AttachmentReference, len(staged))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range staged {
		i, s := i, s
		g.Go(func() error {
			ref, err := p.Upload(gctx, ownerID, s)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cleanup := context.WithoutCancel(ctx)
		for _, ref := range refs {
			if ref.URL == "" {
				continue
			}
			if derr := p.store.Delete(cleanup, ref.URL); derr != nil {
				slog.Warn("attachment cleanup failed", "url", ref.URL, "err", derr)
			}
		}
		return nil, err
	}
	return refs, nil
}

// NewInlineCache returns a cache for one outbound request.
func (p *Pipeline) NewInlineCache() *InlineCache {
	return NewInlineCache(p.store)
}

// Delete removes an uploaded attachment.
func (p *Pipeline) Delete(ctx context.Context, url string) error {
	return p.store.Delete(ctx, url)
}

func buildObjectKey(ownerID, mediaType string) string {
	ext := allowedTypes[mediaType]
	if ext == "" {
		ext = ".bin"
	}
	return path.Join("attachments", sanitizeSegment(ownerID), uuid.NewString()+ext)
}

func sanitizeSegment(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
