package attachments

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/adapters"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

// stubSource serves fixed bytes and counts fetches.
type stubSource struct {
	files  map[string][]byte
	public bool
	calls  int
}

func (s *stubSource) Fetch(ctx context.Context, taskID, fileName string) ([]byte, error) {
	s.calls++
	data, ok := s.files[fileName]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (s *stubSource) Location(taskID, fileName string) string {
	return "https://files.test/" + taskID + "/" + fileName
}

func (s *stubSource) Public() bool { return s.public }

type stubTranscriber struct {
	gotName string
	gotData []byte
}

func (t *stubTranscriber) Transcribe(ctx context.Context, fileName string, audio []byte) (string, error) {
	t.gotName, t.gotData = fileName, audio
	return " strawberries, sugar ", nil
}

func defaultCfg() config.AttachmentsConfig {
	return config.AttachmentsConfig{Source: "scoring", InlineImages: true, MaxTextBytes: 1024, CacheCapacity: 8}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSupported(t *testing.T) {
	for _, name := range []string{"a.png", "b.JPG", "c.mp3", "d.xlsx", "e.py", "f.csv", "g.json"} {
		assert.True(t, Supported(name), name)
	}
	for _, name := range []string{"a.mov", "b.pdf", "c.xls", "noext", ""} {
		assert.False(t, Supported(name), name)
	}
}

func TestSkipReason(t *testing.T) {
	assert.Empty(t, SkipReason(scoring.Question{Question: "2+2?"}))
	assert.Empty(t, SkipReason(scoring.Question{Question: "see file", FileName: "data.xlsx"}))
	assert.Contains(t, SkipReason(scoring.Question{Question: "watch", FileName: "clip.mov"}), "mov")
	assert.NotEmpty(t, SkipReason(scoring.Question{Question: "In the video https://www.youtube.com/watch?v=abc what bird?"}))
	assert.NotEmpty(t, SkipReason(scoring.Question{Question: "see https://youtu.be/abc"}))
}

func TestResolve_UnsupportedDoesNotFetch(t *testing.T) {
	src := &stubSource{files: map[string][]byte{}}
	r := NewResolver(src, nil, nil, defaultCfg())

	_, err := r.Resolve(context.Background(), "1", "clip.mov")

	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 0, src.calls)
}

func TestResolve_ImageInline(t *testing.T) {
	data := pngBytes(t)
	src := &stubSource{files: map[string][]byte{"chess.png": data}, public: true}
	r := NewResolver(src, nil, nil, defaultCfg())

	frag, err := r.Resolve(context.Background(), "1", "chess.png")
	require.NoError(t, err)

	assert.Equal(t, KindImage, frag.Kind)
	assert.Equal(t, "chess.png", frag.FileName)
	assert.True(t, strings.HasPrefix(frag.ImageURL, "data:image/png;base64,"))

	msg := frag.Message("What is the best move?")
	assert.Equal(t, frag.ImageURL, msg.ImageURL)
	assert.Contains(t, msg.Content, "What is the best move?")
}

func TestResolve_ImageByReference(t *testing.T) {
	src := &stubSource{files: map[string][]byte{"chess.png": pngBytes(t)}, public: true}
	cfg := defaultCfg()
	cfg.InlineImages = false

	frag, err := NewResolver(src, nil, nil, cfg).Resolve(context.Background(), "1", "chess.png")
	require.NoError(t, err)
	assert.Equal(t, "https://files.test/1/chess.png", frag.ImageURL)

	// Private sources are always inlined
	src.public = false
	frag, err = NewResolver(src, nil, nil, cfg).Resolve(context.Background(), "1", "chess.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(frag.ImageURL, "data:image/png"))
}

func TestResolve_JPEGWithoutEXIF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4)), nil))
	src := &stubSource{files: map[string][]byte{"p.jpg": buf.Bytes()}}

	frag, err := NewResolver(src, nil, nil, defaultCfg()).Resolve(context.Background(), "1", "p.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(frag.ImageURL, "data:image/jpeg"))
	assert.NotContains(t, frag.Text, "metadata")
}

func TestResolve_ImageRejectsNonImageBytes(t *testing.T) {
	src := &stubSource{files: map[string][]byte{"fake.png": []byte("hello world")}}
	_, err := NewResolver(src, nil, nil, defaultCfg()).Resolve(context.Background(), "1", "fake.png")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)
}

func TestResolve_Audio(t *testing.T) {
	src := &stubSource{files: map[string][]byte{"recipe.mp3": []byte("ID3")}}
	tr := &stubTranscriber{}

	frag, err := NewResolver(src, tr, nil, defaultCfg()).Resolve(context.Background(), "1", "recipe.mp3")
	require.NoError(t, err)

	assert.Equal(t, KindAudio, frag.Kind)
	assert.Contains(t, frag.Text, "strawberries, sugar")
	assert.Equal(t, "recipe.mp3", tr.gotName)
}

func TestResolve_AudioNormalized(t *testing.T) {
	src := &stubSource{files: map[string][]byte{"memo.wav": []byte("RIFF")}}
	tr := &stubTranscriber{}
	cfg := defaultCfg()
	cfg.NormalizeAudio = true

	norm := func(ctx context.Context, name string, data []byte) ([]byte, string, error) {
		return []byte("MP3"), "memo.mp3", nil
	}
	_, err := NewResolver(src, tr, nil, cfg, WithAudioNormalizer(norm)).Resolve(context.Background(), "1", "memo.wav")
	require.NoError(t, err)
	assert.Equal(t, "memo.mp3", tr.gotName)
	assert.Equal(t, []byte("MP3"), tr.gotData)

	failing := func(ctx context.Context, name string, data []byte) ([]byte, string, error) {
		return nil, "", errors.New("ffmpeg missing")
	}
	_, err = NewResolver(src, tr, nil, cfg, WithAudioNormalizer(failing)).Resolve(context.Background(), "1", "memo.wav")
	require.NoError(t, err)
	assert.Equal(t, "memo.wav", tr.gotName, "falls back to the original audio")
}

func TestResolve_AudioWithoutTranscriber(t *testing.T) {
	src := &stubSource{files: map[string][]byte{"a.mp3": []byte("ID3")}}
	_, err := NewResolver(src, nil, nil, defaultCfg()).Resolve(context.Background(), "1", "a.mp3")
	assert.Error(t, err)
}

func TestResolve_Workbook(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "item"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "sales"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "burgers"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 12.5))
	_, err := f.NewSheet("Drinks")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Drinks", "A1", "soda"))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	src := &stubSource{files: map[string][]byte{"sales.xlsx": buf.Bytes()}}
	frag, err := NewResolver(src, nil, nil, defaultCfg()).Resolve(context.Background(), "1", "sales.xlsx")
	require.NoError(t, err)

	assert.Equal(t, KindSpreadsheet, frag.Kind)
	assert.Contains(t, frag.Text, "## Sheet: Sheet1\nitem,sales\nburgers,12.5\n")
	assert.Contains(t, frag.Text, "## Sheet: Drinks\nsoda\n")
}

func TestResolve_CSVPassthrough(t *testing.T) {
	src := &stubSource{files: map[string][]byte{"t.csv": []byte("a,b\n1,2\n")}}
	frag, err := NewResolver(src, nil, nil, defaultCfg()).Resolve(context.Background(), "1", "t.csv")
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "a,b\n1,2")
}

func TestResolve_CodeFencedAndTruncated(t *testing.T) {
	src := &stubSource{files: map[string][]byte{
		"main.py": []byte("print(42)\n"),
		"big.txt": []byte(strings.Repeat("x", 2000)),
	}}
	r := NewResolver(src, nil, nil, defaultCfg())

	frag, err := r.Resolve(context.Background(), "1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, KindCode, frag.Kind)
	assert.Contains(t, frag.Text, "```python\nprint(42)\n```")

	frag, err = r.Resolve(context.Background(), "2", "big.txt")
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "[truncated]")
	assert.Less(t, len(frag.Text), 1200)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	out, cut := truncate("héllo", 2)
	assert.True(t, cut)
	assert.Equal(t, "h", out)

	out, cut = truncate(strings.Repeat("日本", 10), 7)
	assert.True(t, cut)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "日本", out)

	out, cut = truncate("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", out)
}

func TestResolve_CachesFetchedBytes(t *testing.T) {
	src := &stubSource{files: map[string][]byte{"main.py": []byte("pass")}}
	r := NewResolver(src, nil, adapters.NewLRUCache(4), defaultCfg())

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "1", "main.py")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)
}

func TestResolve_FetchErrorPropagates(t *testing.T) {
	src := &stubSource{files: map[string][]byte{}}
	_, err := NewResolver(src, nil, nil, defaultCfg()).Resolve(context.Background(), "1", "missing.py")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)
}

func TestDatasetSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/2023/validation/file%20one.py", r.URL.EscapedPath())
		_, _ = w.Write([]byte("print(1)"))
	}))
	defer srv.Close()

	src := NewDatasetSource(srv.URL+"/2023/validation/", "hf_token", srv.Client())
	data, err := src.Fetch(context.Background(), "1", "file one.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("print(1)"), data)
	assert.False(t, src.Public())

	_, err = NewDatasetSource(srv.URL, "", srv.Client()).Fetch(context.Background(), "1", "x.py")
	var se *scoring.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestNewSource(t *testing.T) {
	cfg := &config.Config{}
	client := scoring.NewClient("http://scoring.test", "", "", 0, nil)

	cfg.Attachments.Source = "scoring"
	src, err := NewSource(cfg, client)
	require.NoError(t, err)
	assert.Equal(t, "http://scoring.test/files/abc", src.Location("abc", "x.png"))

	cfg.Attachments.Source = "dataset"
	cfg.Dataset.BaseURL = "https://hf.test/files"
	src, err = NewSource(cfg, client)
	require.NoError(t, err)
	assert.Equal(t, "https://hf.test/files/x.png", src.Location("abc", "x.png"))

	cfg.Attachments.Source = "ftp"
	_, err = NewSource(cfg, client)
	assert.Error(t, err)
}
