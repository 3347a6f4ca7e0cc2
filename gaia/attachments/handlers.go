package attachments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rwcarlsen/goexif/exif"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/xuri/excelize/v2"
)

type input struct {
	taskID   string
	fileName string
	ext      string
	data     []byte
}

type handler func(ctx context.Context, r *Resolver, in input) (Fragment, error)

// handlers is the closed extension set. Anything missing is unsupported.
var handlers = map[string]handler{
	"png":  imageFragment,
	"jpg":  imageFragment,
	"jpeg": imageFragment,
	"gif":  imageFragment,
	"webp": imageFragment,

	"mp3":  audioFragment,
	"wav":  audioFragment,
	"m4a":  audioFragment,
	"flac": audioFragment,

	"xlsx": spreadsheetFragment,
	"xlsm": spreadsheetFragment,
	"csv":  spreadsheetFragment,

	"py":   codeFragment,
	"go":   codeFragment,
	"js":   codeFragment,
	"ts":   codeFragment,
	"java": codeFragment,
	"c":    codeFragment,
	"cpp":  codeFragment,
	"sh":   codeFragment,
	"json": codeFragment,
	"txt":  codeFragment,
	"md":   codeFragment,
}

var fenceLanguage = map[string]string{
	"py": "python", "js": "javascript", "ts": "typescript", "sh": "bash", "txt": "", "md": "markdown",
}

func imageFragment(_ context.Context, r *Resolver, in input) (Fragment, error) {
	mt := mimetype.Detect(in.data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Fragment{}, fmt.Errorf("%s is %s, not an image", in.fileName, mt.String())
	}

	frag := Fragment{Kind: KindImage, Text: fmt.Sprintf("An image (%s) is attached.", in.fileName)}
	if r.cfg.InlineImages || !r.source.Public() {
		frag.ImageURL = "data:" + mt.String() + ";base64," + base64.StdEncoding.EncodeToString(in.data)
	} else {
		frag.ImageURL = r.source.Location(in.taskID, in.fileName)
	}

	if mt.Is("image/jpeg") {
		if summary := exifSummary(in.data); summary != "" {
			frag.Text += "\nImage metadata: " + summary
		}
	}
	return frag, nil
}

// exifSummary returns camera, capture time and GPS fields, or "" when absent.
func exifSummary(data []byte) string {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return ""
	}

	var parts []string
	for _, field := range []exif.FieldName{exif.Make, exif.Model} {
		if tag, err := x.Get(field); err == nil {
			if s, err := tag.StringVal(); err == nil && strings.TrimSpace(s) != "" {
				parts = append(parts, fmt.Sprintf("%s=%s", field, strings.TrimSpace(s)))
			}
		}
	}
	if t, err := x.DateTime(); err == nil {
		parts = append(parts, "taken="+t.Format("2006-01-02 15:04:05"))
	}
	if lat, long, err := x.LatLong(); err == nil {
		parts = append(parts, fmt.Sprintf("gps=%.6f,%.6f", lat, long))
	}
	return strings.Join(parts, ", ")
}

func audioFragment(ctx context.Context, r *Resolver, in input) (Fragment, error) {
	if r.transcriber == nil {
		return Fragment{}, fmt.Errorf("no transcriber configured for %s", in.fileName)
	}

	data, name := in.data, in.fileName
	if r.cfg.NormalizeAudio && r.normalize != nil {
		norm, normName, err := r.normalize(ctx, in.fileName, in.data)
		if err != nil {
			// Transcription usually still works on the original upload
			r.logger.Warn().Err(err).Str("file", in.fileName).Msg("audio normalisation failed, using original")
		} else {
			data, name = norm, normName
		}
	}

	text, err := r.transcriber.Transcribe(ctx, name, data)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		Kind: KindAudio,
		Text: fmt.Sprintf("Transcript of the attached audio file %s:\n%s", in.fileName, strings.TrimSpace(text)),
	}, nil
}

// FFmpegNormalize converts audio to 16 kHz mono mp3 with the ffmpeg binary.
func FFmpegNormalize(ctx context.Context, fileName string, data []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	var out, stderr bytes.Buffer
	err := ffmpeg.Input("pipe:").
		Output("pipe:", ffmpeg.KwArgs{"ar": "16000", "ac": "1", "f": "mp3"}).
		WithInput(bytes.NewReader(data)).
		WithOutput(&out).
		WithErrorOutput(&stderr).
		Run()
	if err != nil {
		return nil, "", fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	if out.Len() == 0 {
		return nil, "", fmt.Errorf("ffmpeg produced no output")
	}
	base := strings.TrimSuffix(fileName, "."+extension(fileName))
	return out.Bytes(), base + ".mp3", nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func spreadsheetFragment(_ context.Context, r *Resolver, in input) (Fragment, error) {
	var body string
	if in.ext == "csv" {
		body = string(in.data)
	} else {
		rendered, err := workbookCSV(in.data)
		if err != nil {
			return Fragment{}, err
		}
		body = rendered
	}
	body, truncated := truncate(body, r.cfg.MaxTextBytes)
	text := fmt.Sprintf("Contents of the attached spreadsheet %s as CSV:\n%s", in.fileName, body)
	if truncated {
		text += "\n[truncated]"
	}
	return Fragment{Kind: KindSpreadsheet, Text: text}, nil
}

// workbookCSV renders every sheet as CSV under a "## Sheet: name" header.
func workbookCSV(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## Sheet: %s\n", sheet)
		if err := writeCSV(&sb, rows); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func writeCSV(w io.Writer, rows [][]string) error {
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	cw := csv.NewWriter(w)
	for _, row := range rows {
		// GetRows trims trailing empty cells; pad so every record has the same width
		padded := make([]string, width)
		copy(padded, row)
		if err := cw.Write(padded); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func codeFragment(_ context.Context, r *Resolver, in input) (Fragment, error) {
	body, truncated := truncate(string(in.data), r.cfg.MaxTextBytes)
	lang, ok := fenceLanguage[in.ext]
	if !ok {
		lang = in.ext
	}
	text := fmt.Sprintf("Contents of the attached file %s:\n```%s\n%s\n```", in.fileName, lang, strings.TrimRight(body, "\n"))
	if truncated {
		text += "\n[truncated]"
	}
	return Fragment{Kind: KindCode, Text: text}, nil
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
