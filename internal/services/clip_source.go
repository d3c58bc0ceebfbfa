package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

const (
	searchPerPage       = 15
	maxQueryRelaxations = 2
	acquireConcurrency  = 4
)

// NormalizeFunc renders an arbitrary source video into the normalized clip
// contract (1920x1080, 30fps, H.264, no audio), trimmed to trimSeconds.
type NormalizeFunc func(ctx context.Context, srcPath, dstPath string, trimSeconds float64) error

// AcquireRequest carries everything one acquisition pass needs.
type AcquireRequest struct {
	TenantID     uuid.UUID
	JobID        uuid.UUID
	Slots        []types.ClipSlot
	Blacklist    map[string]struct{}
	RecentlyUsed map[string]struct{}
	ScratchDir   string
}

// SlotClip is the acquisition result for one slot: a normalized clip on
// local disk, trimmed to the slot length.
type SlotClip struct {
	Slot       types.ClipSlot
	LocalPath  string
	ExternalID string
	FromPool   bool
}

// ClipSourceService fills every slot with a moderated background clip.
// Resolution order per slot: local pool match, normalized download cache,
// external search with query relaxation, then any unused pool clip. Slots
// are processed in parallel with a bounded fan-out.
type ClipSourceService interface {
	AcquireForSlots(ctx context.Context, req AcquireRequest) ([]SlotClip, error)
}

type clipSourceService struct {
	log       *logger.Logger
	provider  ClipProvider
	pool      LocalClipPool
	moderator ClipModeratorService
	normalize NormalizeFunc
	cacheDir  string
}

func NewClipSourceService(log *logger.Logger, provider ClipProvider, pool LocalClipPool, moderator ClipModeratorService, normalize NormalizeFunc, cacheDir string) (ClipSourceService, error) {
	if provider == nil || pool == nil || moderator == nil || normalize == nil {
		return nil, fmt.Errorf("provider, pool, moderator and normalize are all required")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip cache dir: %w", err)
	}
	return &clipSourceService{
		log:       log.With("service", "ClipSourceService"),
		provider:  provider,
		pool:      pool,
		moderator: moderator,
		normalize: normalize,
		cacheDir:  cacheDir,
	}, nil
}

// pendingSet tracks external ids already claimed by other slots of the same
// job so one video never appears twice in an output.
type pendingSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{ids: map[string]struct{}{}}
}

func (p *pendingSet) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; ok {
		return false
	}
	p.ids[id] = struct{}{}
	return true
}

func (p *pendingSet) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ids, id)
}

func (s *clipSourceService) AcquireForSlots(ctx context.Context, req AcquireRequest) ([]SlotClip, error) {
	if len(req.Slots) == 0 {
		return nil, faults.New(faults.KindBadInput, "no slots to fill")
	}
	if req.ScratchDir == "" {
		return nil, faults.New(faults.KindBadInput, "scratch dir required")
	}

	pending := newPendingSet()
	results := make([]SlotClip, len(req.Slots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(acquireConcurrency)
	for i := range req.Slots {
		i := i
		g.Go(func() error {
			clip, err := s.fillSlot(gctx, req, req.Slots[i], pending)
			if err != nil {
				return err
			}
			results[i] = clip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *clipSourceService) fillSlot(ctx context.Context, req AcquireRequest, slot types.ClipSlot, pending *pendingSet) (SlotClip, error) {
	// Local pool first: curated content needs no moderation.
	if clip, ok, err := s.fromPool(ctx, req, slot, s.pool.Match(slot.Query, slot.SemanticTags), pending); err != nil {
		return SlotClip{}, err
	} else if ok {
		return clip, nil
	}

	query := slot.Query
	for relax := 0; relax <= maxQueryRelaxations; relax++ {
		if relax > 0 {
			relaxed, ok := relaxQuery(query)
			if !ok {
				break
			}
			query = relaxed
			s.log.Debug("Relaxing clip query", "slot", slot.Index, "query", query)
		}

		clip, ok, err := s.fromSearch(ctx, req, slot, query, pending)
		if err != nil {
			return SlotClip{}, err
		}
		if ok {
			return clip, nil
		}
	}

	// Last resort: any pool clip not yet claimed by this job.
	if clip, ok, err := s.fromPool(ctx, req, slot, s.pool.All(), pending); err != nil {
		return SlotClip{}, err
	} else if ok {
		return clip, nil
	}

	return SlotClip{}, faults.New(faults.KindContentFiltered,
		"no acceptable clip for slot %d (query %q)", slot.Index, slot.Query).WithRetryable(true)
}

func (s *clipSourceService) fromPool(ctx context.Context, req AcquireRequest, slot types.ClipSlot, candidates []PoolClip, pending *pendingSet) (SlotClip, bool, error) {
	for _, c := range candidates {
		if c.DurationSeconds > 0 && c.DurationSeconds < slot.DurationSeconds {
			continue
		}
		id := "pool-" + c.ID
		if !pending.claim(id) {
			continue
		}
		dst := s.slotPath(req.ScratchDir, slot)
		if err := s.normalize(ctx, c.Path, dst, slot.DurationSeconds); err != nil {
			pending.release(id)
			return SlotClip{}, false, err
		}
		return SlotClip{Slot: slot, LocalPath: dst, ExternalID: id, FromPool: true}, true, nil
	}
	return SlotClip{}, false, nil
}

func (s *clipSourceService) fromSearch(ctx context.Context, req AcquireRequest, slot types.ClipSlot, query string, pending *pendingSet) (SlotClip, bool, error) {
	candidates, err := s.provider.Search(ctx, query, searchPerPage)
	if err != nil {
		return SlotClip{}, false, err
	}

	for _, cand := range candidates {
		if _, banned := req.Blacklist[cand.ExternalID]; banned {
			continue
		}
		if _, recent := req.RecentlyUsed[cand.ExternalID]; recent {
			continue
		}
		if cand.DurationSeconds > 0 && cand.DurationSeconds < slot.DurationSeconds {
			continue
		}
		if !pending.claim(cand.ExternalID) {
			continue
		}

		ok, err := s.moderate(ctx, cand)
		if err != nil {
			// Moderation infrastructure failure: skip this candidate, do
			// not fail the slot.
			s.log.Warn("Moderation failed, skipping candidate", "clip", cand.ExternalID, "error", err)
			pending.release(cand.ExternalID)
			continue
		}
		if !ok {
			pending.release(cand.ExternalID)
			continue
		}

		dst := s.slotPath(req.ScratchDir, slot)
		if err := s.materialize(ctx, cand, dst, slot.DurationSeconds); err != nil {
			pending.release(cand.ExternalID)
			if faults.IsCancelled(err) {
				return SlotClip{}, false, err
			}
			s.log.Warn("Failed to materialize candidate", "clip", cand.ExternalID, "error", err)
			continue
		}
		return SlotClip{Slot: slot, LocalPath: dst, ExternalID: cand.ExternalID}, true, nil
	}
	return SlotClip{}, false, nil
}

func (s *clipSourceService) moderate(ctx context.Context, cand ClipCandidate) (bool, error) {
	if len(cand.PreviewURLs) == 0 {
		return false, nil
	}
	frames := make([][]byte, 0, len(cand.PreviewURLs))
	for _, u := range cand.PreviewURLs {
		b, err := s.provider.FetchBytes(ctx, u)
		if err != nil {
			return false, err
		}
		frames = append(frames, b)
	}
	verdict, err := s.moderator.ModerateFrames(ctx, cand.ExternalID, frames)
	if err != nil {
		return false, err
	}
	if !verdict.Allowed {
		s.log.Debug("Clip rejected by moderation", "clip", cand.ExternalID, "reason", verdict.Reason)
	}
	return verdict.Allowed, nil
}

// materialize produces the slot-trimmed normalized clip, going through the
// content-addressed cache so a clip is downloaded and normalized once.
func (s *clipSourceService) materialize(ctx context.Context, cand ClipCandidate, dst string, trimSeconds float64) error {
	cached := filepath.Join(s.cacheDir, sanitizeID(cand.ExternalID)+".mp4")
	if _, err := os.Stat(cached); err != nil {
		raw := cached + ".download"
		if err := s.provider.FetchTo(ctx, cand.DownloadURL, raw); err != nil {
			return err
		}
		defer os.Remove(raw)
		// Full-length normalization into the cache; the per-slot trim
		// happens from the cached copy.
		if err := s.normalize(ctx, raw, cached, 0); err != nil {
			_ = os.Remove(cached)
			return err
		}
	}
	return s.normalize(ctx, cached, dst, trimSeconds)
}

func (s *clipSourceService) slotPath(scratchDir string, slot types.ClipSlot) string {
	return filepath.Join(scratchDir, fmt.Sprintf("slot_%03d.mp4", slot.Index))
}

// relaxQuery drops the leading, most specific word of the noun phrase.
// Returns false once nothing meaningful is left to drop.
func relaxQuery(query string) (string, bool) {
	fields := strings.Fields(query)
	if len(fields) <= 1 {
		return "", false
	}
	return strings.Join(fields[1:], " "), true
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
