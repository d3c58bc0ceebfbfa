package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vision "cloud.google.com/go/vision/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// Verdict is a moderation decision for one candidate clip.
type Verdict struct {
	Allowed bool
	Reason  string
}

// ClipModeratorService judges sampled frames of a candidate clip against the
// content policy. A cheap Vision API pass rejects frames with faces or
// unsafe content before the policy model sees anything; verdicts are cached
// by frame digest so re-encountered clips are free.
type ClipModeratorService interface {
	ModerateFrames(ctx context.Context, externalClipID string, frames [][]byte) (Verdict, error)
	Close() error
}

type cachedVerdict struct {
	verdict Verdict
	at      time.Time
}

type clipModeratorService struct {
	log          *logger.Logger
	visionClient *vision.ImageAnnotatorClient
	ai           OpenAIClient
	policy       string
	cacheTTL     time.Duration

	mu    sync.RWMutex
	cache map[string]cachedVerdict
}

func NewClipModeratorService(log *logger.Logger, ai OpenAIClient, policy string, cacheTTL time.Duration) (ClipModeratorService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "ClipModeratorService")

	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	ctx := context.Background()

	var (
		vClient *vision.ImageAnnotatorClient
		err     error
	)
	if creds != "" {
		vClient, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(creds))
	} else {
		vClient, err = vision.NewImageAnnotatorClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}

	return &clipModeratorService{
		log:          slog,
		visionClient: vClient,
		ai:           ai,
		policy:       policy,
		cacheTTL:     cacheTTL,
		cache:        map[string]cachedVerdict{},
	}, nil
}

func (s *clipModeratorService) Close() error {
	if s == nil || s.visionClient == nil {
		return nil
	}
	return s.visionClient.Close()
}

func (s *clipModeratorService) ModerateFrames(ctx context.Context, externalClipID string, frames [][]byte) (Verdict, error) {
	if len(frames) == 0 {
		return Verdict{Allowed: false, Reason: "no frames sampled"}, nil
	}

	key := verdictKey(externalClipID, frames)
	if v, ok := s.cached(key); ok {
		return v, nil
	}

	for i, frame := range frames {
		v, err := s.prefilterFrame(ctx, frame)
		if err != nil {
			return Verdict{}, err
		}
		if !v.Allowed {
			v.Reason = fmt.Sprintf("frame %d: %s", i, v.Reason)
			s.store(key, v)
			return v, nil
		}
	}

	v, err := s.policyJudgement(ctx, frames)
	if err != nil {
		return Verdict{}, err
	}
	s.store(key, v)
	return v, nil
}

func (s *clipModeratorService) cached(key string) (Verdict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[key]
	if !ok || time.Since(entry.at) > s.cacheTTL {
		return Verdict{}, false
	}
	return entry.verdict, true
}

func (s *clipModeratorService) store(key string, v Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cachedVerdict{verdict: v, at: time.Now()}
}

func verdictKey(externalClipID string, frames [][]byte) string {
	h := sha256.New()
	h.Write([]byte(externalClipID))
	for _, f := range frames {
		sum := sha256.Sum256(f)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// prefilterFrame runs the Vision API checks that disqualify a frame without
// consulting the policy model: visible faces and unsafe content.
func (s *clipModeratorService) prefilterFrame(ctx context.Context, frame []byte) (Verdict, error) {
	img := &visionpb.Image{Content: frame}

	faces, err := s.visionClient.DetectFaces(ctx, img, nil, 1)
	if err != nil {
		return Verdict{}, faultFromGRPC(err, "vision face detection")
	}
	if len(faces) > 0 {
		return Verdict{Allowed: false, Reason: "face detected"}, nil
	}

	safe, err := s.visionClient.DetectSafeSearch(ctx, img, nil)
	if err != nil {
		return Verdict{}, faultFromGRPC(err, "vision safe search")
	}
	if safe != nil {
		if likelyOrWorse(safe.Adult) || likelyOrWorse(safe.Violence) || likelyOrWorse(safe.Racy) {
			return Verdict{Allowed: false, Reason: "safe search flagged content"}, nil
		}
	}
	return Verdict{Allowed: true}, nil
}

func likelyOrWorse(l visionpb.Likelihood) bool {
	return l == visionpb.Likelihood_LIKELY || l == visionpb.Likelihood_VERY_LIKELY
}

func (s *clipModeratorService) policyJudgement(ctx context.Context, frames [][]byte) (Verdict, error) {
	urls := make([]string, 0, len(frames))
	for _, f := range frames {
		urls = append(urls, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(f))
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"allowed": map[string]any{"type": "boolean"},
			"reason":  map[string]any{"type": "string"},
		},
		"required":             []string{"allowed", "reason"},
		"additionalProperties": false,
	}

	obj, err := s.ai.GenerateJSONWithImages(ctx,
		"You review stock footage frames for a devotional video background. Answer strictly per the policy.",
		s.policy, urls, "clip_moderation", schema)
	if err != nil {
		return Verdict{}, FaultFromOpenAI(err, "clip moderation judgement")
	}

	allowed, _ := obj["allowed"].(bool)
	reason, _ := obj["reason"].(string)
	return Verdict{Allowed: allowed, Reason: strings.TrimSpace(reason)}, nil
}
