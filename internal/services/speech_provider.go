package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// TimedWord is one recognized word with its time offsets.
type TimedWord struct {
	Word         string
	StartSeconds float64
	EndSeconds   float64
}

// Phrase is a grouped run of words sized for on-screen display.
type Phrase struct {
	StartSeconds float64
	EndSeconds   float64
	Text         string
}

type SpeechProviderService interface {
	TranscribeGCS(ctx context.Context, gcsURI string, contentType string, languageCode string) ([]Phrase, error)
	Close() error
}

type speechProviderService struct {
	log    *logger.Logger
	client *speech.Client

	maxRetries int
}

func NewSpeechProviderService(log *logger.Logger) (SpeechProviderService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "SpeechProviderService")

	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	ctx := context.Background()

	var c *speech.Client
	var err error
	if creds != "" {
		c, err = speech.NewClient(ctx, option.WithCredentialsFile(creds))
	} else {
		c, err = speech.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}

	return &speechProviderService{
		log:        slog,
		client:     c,
		maxRetries: 4,
	}, nil
}

func (s *speechProviderService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// TranscribeGCS runs long-running recognition with word offsets and groups
// the words into display phrases. An empty phrase list with a nil error
// means the audio contained no recognizable speech; that is not a failure.
func (s *speechProviderService) TranscribeGCS(ctx context.Context, gcsURI string, contentType string, languageCode string) ([]Phrase, error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return nil, faults.New(faults.KindBadInput, "gcsURI must be gs://... got %q", gcsURI)
	}

	enc, err := encodingForContentType(contentType)
	if err != nil {
		return nil, err
	}
	if languageCode == "" {
		languageCode = "ko-KR"
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               languageCode,
			Encoding:                   enc,
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      true,
		},
		Audio: &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Uri{Uri: gcsURI}},
	}

	resp, err := s.retryLR(ctx, func() (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := s.client.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	})
	if err != nil {
		return nil, faultFromGRPC(err, "speech longrunningrecognize")
	}

	words := collectWords(resp)
	return GroupWordsIntoPhrases(words), nil
}

// encodingForContentType maps the stored object's content type to a
// recognition encoding. The decision is made on content type alone, never on
// the object key.
func encodingForContentType(contentType string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	m := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	switch m {
	case "audio/mpeg", "audio/mp3":
		return speechpb.RecognitionConfig_MP3, nil
	case "audio/wav", "audio/x-wav", "audio/wave":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "audio/mp4", "audio/x-m4a", "audio/aac", "audio/m4a":
		// No dedicated encoding for AAC containers; the API detects it.
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED,
			faults.New(faults.KindBadInput, "unsupported audio content type %q", contentType)
	}
}

func collectWords(resp *speechpb.LongRunningRecognizeResponse) []TimedWord {
	if resp == nil {
		return nil
	}
	var out []TimedWord
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		for _, w := range r.Alternatives[0].Words {
			if w == nil || strings.TrimSpace(w.Word) == "" {
				continue
			}
			out = append(out, TimedWord{
				Word:         strings.TrimSpace(w.Word),
				StartSeconds: durToSec(w.StartTime),
				EndSeconds:   durToSec(w.EndTime),
			})
		}
	}
	return out
}

const (
	phraseMinSeconds = 2.0
	phraseMaxSeconds = 6.0
	phraseGapSeconds = 0.6
)

// GroupWordsIntoPhrases merges timed words into phrases of roughly two to
// six seconds, breaking early at silence gaps and soft punctuation. A break
// before the minimum length is taken only for silence, not punctuation, so
// staccato delivery does not produce flickering one-word captions.
func GroupWordsIntoPhrases(words []TimedWord) []Phrase {
	if len(words) == 0 {
		return nil
	}

	var out []Phrase
	var buf strings.Builder
	start := words[0].StartSeconds
	end := words[0].EndSeconds

	flush := func() {
		txt := strings.TrimSpace(buf.String())
		if txt != "" {
			out = append(out, Phrase{StartSeconds: start, EndSeconds: end, Text: txt})
		}
		buf.Reset()
	}

	for i, w := range words {
		if buf.Len() == 0 {
			start = w.StartSeconds
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(w.Word)
		if w.EndSeconds > end {
			end = w.EndSeconds
		}

		length := end - start
		gap := 0.0
		if i+1 < len(words) {
			gap = words[i+1].StartSeconds - w.EndSeconds
		}

		switch {
		case i+1 == len(words):
			flush()
		case length >= phraseMaxSeconds:
			flush()
		case gap > phraseGapSeconds:
			flush()
		case length >= phraseMinSeconds && endsWithSoftPunctuation(w.Word):
			flush()
		}
	}
	return out
}

func endsWithSoftPunctuation(word string) bool {
	trimmed := strings.TrimSpace(word)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', ',', '?', '!', ';', ':':
		return true
	}
	return false
}

func durToSec(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return float64(d.Seconds) + float64(d.Nanos)/1e9
}

func (s *speechProviderService) retryLR(ctx context.Context, fn func() (*speechpb.LongRunningRecognizeResponse, error)) (*speechpb.LongRunningRecognizeResponse, error) {
	backoff := 750 * time.Millisecond
	var last error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		if attempt == s.maxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}

func faultFromGRPC(err error, detail string) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return faults.Wrap(faults.KindUpstreamTimeout, err, "%s", detail)
	case codes.Unavailable, codes.ResourceExhausted:
		return faults.Wrap(faults.KindUpstreamUnavailable, err, "%s", detail)
	case codes.InvalidArgument:
		return faults.Wrap(faults.KindBadInput, err, "%s", detail)
	case codes.Canceled:
		return faults.Wrap(faults.KindCancelled, err, "%s", detail)
	default:
		return faults.Wrap(faults.KindUpstreamRejected, err, "%s", detail)
	}
}
