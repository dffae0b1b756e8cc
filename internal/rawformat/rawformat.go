// Package rawformat saves a reassembled frame to disk: a raw pixel dump, a
// YAML sidecar manifest, and an optional TIFF rendering. Filename
// timestamping follows the teacher's xmit.go timestampPrefix, which formats
// time.Now() through github.com/lestrrat-go/strftime against an
// operator-supplied format string rather than a fixed Go layout.
package rawformat

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"github.com/lestrrat-go/strftime"
	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"github.com/detectorlab/xraydet/internal/errs"
	"github.com/detectorlab/xraydet/internal/frame"
)

// DefaultTimestampFormat mirrors the operator-facing strftime format the
// teacher exposes via -T; used to name saved frames when the caller
// doesn't override it.
const DefaultTimestampFormat = "%Y%m%d-%H%M%S"

// Manifest is the sidecar YAML written next to each saved frame.
type Manifest struct {
	Sequence    uint32 `yaml:"sequence"`
	Width       uint16 `yaml:"width"`
	Height      uint16 `yaml:"height"`
	BitDepth    uint16 `yaml:"bit_depth"`
	TimestampUs uint64 `yaml:"timestamp_us"`
	ErrorFrame  bool   `yaml:"error_frame"`
	SavedAt     string `yaml:"saved_at"`
}

// SaveOptions controls what SaveFrame writes.
type SaveOptions struct {
	Dir              string
	TimestampFormat  string
	WriteTIFF        bool
}

// SaveFrame writes frame-<timestamp>.raw plus frame-<timestamp>.yaml (and
// frame-<timestamp>.tiff if requested) under opts.Dir, returning the raw
// file's path.
func SaveFrame(f frame.Frame, opts SaveOptions) (string, error) {
	if opts.Dir == "" {
		return "", errs.New(errs.KindConfigInvalid, "rawformat: save directory not set")
	}
	format := opts.TimestampFormat
	if format == "" {
		format = DefaultTimestampFormat
	}

	stamp, err := strftime.Format(format, time.Now())
	if err != nil {
		return "", errs.New(errs.KindConfigInvalid, "rawformat: bad timestamp format: "+err.Error())
	}

	base := fmt.Sprintf("frame-%s-%d", stamp, f.Sequence)
	rawPath := filepath.Join(opts.Dir, base+".raw")
	yamlPath := filepath.Join(opts.Dir, base+".yaml")

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", errs.New(errs.KindDeviceFault, "rawformat: mkdir: "+err.Error())
	}
	if err := os.WriteFile(rawPath, f.Pixels, 0o644); err != nil {
		return "", errs.New(errs.KindDeviceFault, "rawformat: write raw: "+err.Error())
	}

	manifest := Manifest{
		Sequence:    f.Sequence,
		Width:       f.Width,
		Height:      f.Height,
		BitDepth:    f.BitDepth,
		TimestampUs: f.TimestampUs,
		ErrorFrame:  f.ErrorFrame,
		SavedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	mb, err := yaml.Marshal(manifest)
	if err != nil {
		return "", errs.New(errs.KindDeviceFault, "rawformat: marshal manifest: "+err.Error())
	}
	if err := os.WriteFile(yamlPath, mb, 0o644); err != nil {
		return "", errs.New(errs.KindDeviceFault, "rawformat: write manifest: "+err.Error())
	}

	if opts.WriteTIFF {
		if err := saveTIFF(f, filepath.Join(opts.Dir, base+".tiff")); err != nil {
			return "", err
		}
	}

	return rawPath, nil
}

// saveTIFF renders f as a 16-bit grayscale TIFF. 14-bit frames share this
// path unscaled: Pixels is always two bytes per pixel on the wire (see
// frame.Frame's doc comment), and a 14-bit sample sits in the low 14 bits
// of that word with the upper bits zero, same as the spec's on-wire layout.
func saveTIFF(f frame.Frame, path string) error {
	img := image.NewGray16(image.Rect(0, 0, int(f.Width), int(f.Height)))
	stride := int(f.Width)

	if f.BitDepth != 14 && f.BitDepth != 16 {
		return errs.New(errs.KindConfigInvalid, "rawformat: unsupported bit depth for tiff")
	}

	for y := 0; y < int(f.Height); y++ {
		for x := 0; x < stride; x++ {
			off := (y*stride + x) * 2
			if off+1 >= len(f.Pixels) {
				continue
			}
			v := binary.LittleEndian.Uint16(f.Pixels[off : off+2])
			img.SetGray16(x, y, color.Gray16{Y: v})
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return errs.New(errs.KindDeviceFault, "rawformat: create tiff: "+err.Error())
	}
	defer out.Close()

	if err := tiff.Encode(out, img, nil); err != nil {
		return errs.New(errs.KindDeviceFault, "rawformat: encode tiff: "+err.Error())
	}
	return nil
}
