package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// ClipCandidate is one search hit from the external footage library.
type ClipCandidate struct {
	ExternalID      string
	DurationSeconds float64
	Width           int
	Height          int
	DownloadURL     string
	PreviewURLs     []string
}

// ClipProvider searches the external footage library and fetches media.
type ClipProvider interface {
	Search(ctx context.Context, query string, perPage int) ([]ClipCandidate, error)
	FetchBytes(ctx context.Context, rawURL string) ([]byte, error)
	FetchTo(ctx context.Context, rawURL string, dstPath string) error
}

type pexelsClipProvider struct {
	log        *logger.Logger
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewPexelsClipProvider(log *logger.Logger) (ClipProvider, error) {
	apiKey := strings.TrimSpace(os.Getenv("PEXELS_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing PEXELS_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("PEXELS_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.pexels.com"
	}
	return &pexelsClipProvider{
		log:        log.With("service", "PexelsClipProvider"),
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}, nil
}

type pexelsSearchResponse struct {
	Videos []struct {
		ID         int     `json:"id"`
		Duration   float64 `json:"duration"`
		Width      int     `json:"width"`
		Height     int     `json:"height"`
		VideoFiles []struct {
			Link     string `json:"link"`
			Width    int    `json:"width"`
			Height   int    `json:"height"`
			FileType string `json:"file_type"`
		} `json:"video_files"`
		VideoPictures []struct {
			Picture string `json:"picture"`
		} `json:"video_pictures"`
	} `json:"videos"`
}

func (p *pexelsClipProvider) Search(ctx context.Context, query string, perPage int) ([]ClipCandidate, error) {
	if perPage <= 0 {
		perPage = 15
	}
	endpoint := fmt.Sprintf("%s/videos/search?query=%s&per_page=%d&orientation=landscape",
		p.baseURL, url.QueryEscape(query), perPage)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindUpstreamUnavailable, err, "clip search %q", query)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindUpstreamUnavailable, err, "clip search read %q", query)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, faults.New(faults.KindUpstreamUnavailable, "clip search http %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.KindUpstreamRejected, "clip search http %d: %s", resp.StatusCode, string(raw))
	}

	var parsed pexelsSearchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, faults.Wrap(faults.KindUpstreamRejected, err, "clip search decode")
	}

	out := make([]ClipCandidate, 0, len(parsed.Videos))
	for _, v := range parsed.Videos {
		// Prefer the smallest mp4 rendition that still covers 1080p, else
		// the largest available.
		best := ""
		bestWidth := 0
		for _, f := range v.VideoFiles {
			if !strings.Contains(f.FileType, "mp4") {
				continue
			}
			covers := f.Width >= 1920
			bestCovers := bestWidth >= 1920
			switch {
			case best == "",
				covers && !bestCovers,
				covers && bestCovers && f.Width < bestWidth,
				!covers && !bestCovers && f.Width > bestWidth:
				best = f.Link
				bestWidth = f.Width
			}
		}
		if best == "" {
			continue
		}
		var previews []string
		for i, pic := range v.VideoPictures {
			if i >= 3 {
				break
			}
			previews = append(previews, pic.Picture)
		}
		out = append(out, ClipCandidate{
			ExternalID:      "pexels-" + strconv.Itoa(v.ID),
			DurationSeconds: v.Duration,
			Width:           v.Width,
			Height:          v.Height,
			DownloadURL:     best,
			PreviewURLs:     previews,
		})
	}
	return out, nil
}

func (p *pexelsClipProvider) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindUpstreamUnavailable, err, "fetch %q", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.KindUpstreamUnavailable, "fetch %q http %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *pexelsClipProvider) FetchTo(ctx context.Context, rawURL string, dstPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindUpstreamUnavailable, err, "download %q", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return faults.New(faults.KindUpstreamUnavailable, "download %q http %d", rawURL, resp.StatusCode)
	}

	tmp := dstPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return faults.Wrap(faults.KindInternalMediaError, err, "create %q", tmp)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return faults.Wrap(faults.KindUpstreamUnavailable, err, "download %q", rawURL)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return faults.Wrap(faults.KindInternalMediaError, err, "close %q", tmp)
	}
	return os.Rename(tmp, dstPath)
}

// PoolClip is one entry of the local pre-normalized clip pool.
type PoolClip struct {
	ID              string   `json:"id"`
	Path            string   `json:"path"`
	DurationSeconds float64  `json:"duration_seconds"`
	Tags            []string `json:"tags"`
}

// LocalClipPool serves curated, already normalized clips from disk. It backs
// the template generation mode and the last-resort fallback when external
// acquisition comes up short.
type LocalClipPool interface {
	Match(query string, tags []string) []PoolClip
	All() []PoolClip
}

type localClipPool struct {
	log   *logger.Logger
	clips []PoolClip
}

func NewLocalClipPool(log *logger.Logger, dir string) (LocalClipPool, error) {
	slog := log.With("service", "LocalClipPool")
	manifest := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(manifest)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Clip pool manifest missing, pool disabled", "path", manifest)
			return &localClipPool{log: slog}, nil
		}
		return nil, fmt.Errorf("read pool manifest: %w", err)
	}
	var clips []PoolClip
	if err := json.Unmarshal(raw, &clips); err != nil {
		return nil, fmt.Errorf("parse pool manifest: %w", err)
	}
	for i := range clips {
		if !filepath.IsAbs(clips[i].Path) {
			clips[i].Path = filepath.Join(dir, clips[i].Path)
		}
	}
	slog.Info("Clip pool loaded", "clips", len(clips))
	return &localClipPool{log: slog, clips: clips}, nil
}

// Match scores pool clips by tag overlap with the slot's tags and query
// words, best first. Clips with no overlap are excluded.
func (p *localClipPool) Match(query string, tags []string) []PoolClip {
	want := map[string]struct{}{}
	for _, t := range tags {
		want[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for _, w := range strings.Fields(strings.ToLower(query)) {
		want[w] = struct{}{}
	}

	type scored struct {
		clip  PoolClip
		score int
	}
	var hits []scored
	for _, c := range p.clips {
		score := 0
		for _, t := range c.Tags {
			if _, ok := want[strings.ToLower(t)]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{clip: c, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]PoolClip, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.clip)
	}
	return out
}

func (p *localClipPool) All() []PoolClip {
	out := make([]PoolClip, len(p.clips))
	copy(out, p.clips)
	return out
}
