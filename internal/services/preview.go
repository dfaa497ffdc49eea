package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/jmdall/fileswap/internal/models"
)

const (
	previewSize    = 256
	previewBlur    = 15
	previewQuality = 40

	maxPreviewPixels = 40_000_000
)

var (
	errNoFFmpeg      = errors.New("ffmpeg not available")
	errTooManyPixels = errors.New("image too large to preview")
)

// Artifact is a redacted preview ready to be stored next to the original.
type Artifact struct {
	Data      []byte
	MimeType  string
	Extension string
	Metadata  models.PreviewMetadata
}

// PreviewGenerator produces deliberately degraded previews: enough to recognise
// the file, not enough to use it.
type PreviewGenerator struct {
	log    *zap.Logger
	ffmpeg string
}

func NewPreviewGenerator(log *zap.Logger) *PreviewGenerator {
	path, _ := exec.LookPath("ffmpeg")
	return &PreviewGenerator{log: log.Named("preview"), ffmpeg: path}
}

// Preview returns nil for unsupported types, on any failure and when ctx ends
// before the preview is rendered.
func (g *PreviewGenerator) Preview(ctx context.Context, data []byte, mimeType, filename string) *Artifact {
	var render func() (*Artifact, error)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		render = func() (*Artifact, error) { return g.image(data) }
	case mimeType == "application/pdf":
		render = func() (*Artifact, error) { return g.document(data, filename) }
	case strings.HasPrefix(mimeType, "video/"):
		render = func() (*Artifact, error) { return g.video(ctx, data) }
	default:
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	type rendered struct {
		art *Artifact
		err error
	}
	done := make(chan rendered, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- rendered{err: fmt.Errorf("preview panicked: %v", r)}
			}
		}()
		art, err := render()
		done <- rendered{art: art, err: err}
	}()

	select {
	case <-ctx.Done():
		g.log.Debug("preview abandoned", zap.String("mime", mimeType), zap.Error(ctx.Err()))
		return nil
	case res := <-done:
		if res.err != nil {
			g.log.Debug("no preview", zap.String("mime", mimeType), zap.Error(res.err))
			return nil
		}
		return res.art
	}
}

func (g *PreviewGenerator) image(data []byte) (*Artifact, error) {
	if err := checkDimensions(data); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return redactedJPEG(img, "PREVIEW", "image", int64(len(data)))
}

// checkDimensions reads only the image header and refuses pictures whose
// decoded size would exceed maxPreviewPixels.
func checkDimensions(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to read image header: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPreviewPixels {
		return fmt.Errorf("%w: %dx%d", errTooManyPixels, cfg.Width, cfg.Height)
	}
	return nil
}

// document renders a blank page card. Content is never rasterised.
func (g *PreviewGenerator) document(data []byte, filename string) (*Artifact, error) {
	width := previewSize
	height := width * 3 / 4

	borderSize := 2
	grayBg := imaging.New(width, height, color.RGBA{200, 200, 200, 255})
	whiteRect := imaging.New(width-(borderSize*2), height-(borderSize*2), color.White)
	card := imaging.Paste(grayBg, whiteRect, image.Pt(borderSize, borderSize))

	drawLabel(card, "PDF", height/2-8, color.Black)
	name := filepath.Base(filename)
	if len(name) > 32 {
		name = name[:29] + "..."
	}
	drawLabel(card, name, height/2+12, color.Gray{Y: 96})

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, card, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode PDF preview: %w", err)
	}
	return &Artifact{
		Data:      buf.Bytes(),
		MimeType:  "image/png",
		Extension: "png",
		Metadata: models.PreviewMetadata{
			Type:          "document",
			Width:         width,
			Height:        height,
			Format:        "png",
			OriginalSize:  int64(len(data)),
			ThumbnailSize: int64(buf.Len()),
		},
	}, nil
}

// video grabs the first frame through ffmpeg and redacts it like an image.
func (g *PreviewGenerator) video(ctx context.Context, data []byte) (*Artifact, error) {
	if g.ffmpeg == "" {
		return nil, errNoFFmpeg
	}
	in, err := os.CreateTemp("", "fileswap-video-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, err
	}
	if err := in.Close(); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", in.Name(),
		"-frames:v", "1", "-f", "image2", "-c:v", "png", "pipe:1")
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if err := checkDimensions(stdout.Bytes()); err != nil {
		return nil, err
	}
	frame, err := imaging.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return redactedJPEG(frame, "VIDEO", "video", int64(len(data)))
}

func redactedJPEG(src image.Image, label, kind string, originalSize int64) (*Artifact, error) {
	bounds := src.Bounds()

	thumb := imaging.Fit(src, previewSize, previewSize, imaging.Lanczos)
	thumb = imaging.Blur(thumb, previewBlur)
	thumb = imaging.AdjustBrightness(thumb, -20)
	thumb = imaging.AdjustSaturation(thumb, -50)
	thumb = watermark(thumb, label)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(previewQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return &Artifact{
		Data:      buf.Bytes(),
		MimeType:  "image/jpeg",
		Extension: "jpg",
		Metadata: models.PreviewMetadata{
			Type:          kind,
			Width:         bounds.Dx(),
			Height:        bounds.Dy(),
			Format:        "jpeg",
			OriginalSize:  originalSize,
			ThumbnailSize: int64(buf.Len()),
		},
	}, nil
}

// watermark lays a dark band with a label across the middle of img.
func watermark(img *image.NRGBA, label string) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	bandHeight := 20
	y := h/2 - bandHeight/2
	band := imaging.New(w, bandHeight, color.NRGBA{0, 0, 0, 255})
	out := imaging.Overlay(img, band, image.Pt(0, y), 0.55)
	drawLabel(out, label, y+14, color.White)
	return out
}

func drawLabel(dst *image.NRGBA, label string, baseline int, c color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	x := (dst.Bounds().Dx() - width) / 2
	if x < 0 {
		x = 0
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(label)
}
