// Package attachments turns question files into prompt fragments.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

// ErrUnsupported is returned for files no handler accepts.
var ErrUnsupported = errors.New("unsupported attachment")

// Kind classifies a fragment.
type Kind string

const (
	KindImage       Kind = "image"
	KindAudio       Kind = "audio"
	KindSpreadsheet Kind = "spreadsheet"
	KindCode        Kind = "code"
)

// Fragment is the resolved content appended to a question's first turn.
type Fragment struct {
	Kind     Kind
	FileName string
	Text     string
	ImageURL string
}

// Message builds the initial user turn for question with the fragment attached.
func (f Fragment) Message(question string) ports.PromptMessage {
	content := question
	if f.Text != "" {
		content += "\n\n" + f.Text
	}
	return ports.PromptMessage{Role: ports.RoleUser, Content: content, ImageURL: f.ImageURL}
}

var reVideoLink = regexp.MustCompile(`(?i)\b(?:www\.|m\.)?(?:youtube\.com/|youtu\.be/)`)

// Supported reports whether fileName has a handled extension.
func Supported(fileName string) bool {
	_, ok := handlers[extension(fileName)]
	return ok
}

// SkipReason explains why q cannot be answered, or returns "".
func SkipReason(q scoring.Question) string {
	if reVideoLink.MatchString(q.Question) {
		return "question references a video"
	}
	if q.HasAttachment() && !Supported(q.FileName) {
		return fmt.Sprintf("unsupported attachment extension %q", extension(q.FileName))
	}
	return ""
}

func extension(fileName string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(fileName)), "."))
}

// AudioNormalizer rewrites audio before transcription.
type AudioNormalizer func(ctx context.Context, fileName string, data []byte) ([]byte, string, error)

// Resolver fetches attachments and dispatches them to the handler for their extension.
type Resolver struct {
	source      Source
	transcriber ports.Transcriber
	cache       ports.Cache
	normalize   AudioNormalizer
	cfg         config.AttachmentsConfig
	logger      zerolog.Logger
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithAudioNormalizer replaces the ffmpeg normaliser.
func WithAudioNormalizer(n AudioNormalizer) ResolverOption {
	return func(r *Resolver) { r.normalize = n }
}

// WithLogger sets the resolver logger.
func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(source Source, transcriber ports.Transcriber, cache ports.Cache, cfg config.AttachmentsConfig, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:      source,
		transcriber: transcriber,
		cache:       cache,
		normalize:   FFmpegNormalize,
		cfg:         cfg,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches fileName for taskID and converts it into a Fragment.
// Unknown extensions return ErrUnsupported without fetching.
func (r *Resolver) Resolve(ctx context.Context, taskID, fileName string) (Fragment, error) {
	ext := extension(fileName)
	h, ok := handlers[ext]
	if !ok {
		return Fragment{}, fmt.Errorf("%w: %s", ErrUnsupported, fileName)
	}

	data, err := r.fetch(ctx, taskID, fileName)
	if err != nil {
		return Fragment{}, fmt.Errorf("fetch attachment %s: %w", fileName, err)
	}

	frag, err := h(ctx, r, input{taskID: taskID, fileName: fileName, ext: ext, data: data})
	if err != nil {
		return Fragment{}, fmt.Errorf("convert attachment %s: %w", fileName, err)
	}
	frag.FileName = fileName
	r.logger.Debug().Str("task_id", taskID).Str("file", fileName).Str("kind", string(frag.Kind)).Int("bytes", len(data)).Msg("attachment resolved")
	return frag, nil
}

func (r *Resolver) fetch(ctx context.Context, taskID, fileName string) ([]byte, error) {
	key := r.source.Location(taskID, fileName)
	if r.cache != nil {
		if data, ok := r.cache.Get(ctx, key); ok {
			return data, nil
		}
	}
	data, err := r.source.Fetch(ctx, taskID, fileName)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, data, 0); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("attachment cache set failed")
		}
	}
	return data, nil
}
