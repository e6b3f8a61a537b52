// Package compress provides a chain filter that compresses the byte
// stream with brotli.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

// Every written message becomes one block:
//
//	[4-byte big-endian payload length][1-byte encoding][payload]
const blockHeaderLen = 5

const (
	encodingRaw    byte = 0
	encodingBrotli byte = 1
)

// ErrBlockTooLarge is returned when a block or its decompressed content
// exceeds the configured limit.
var ErrBlockTooLarge = errors.New("compress: block too large")

// Config holds the brotli filter settings.
type Config struct {
	// Level is the brotli quality, 0-11.
	Level int
	// MinSize is the smallest message that is compressed. Smaller ones are
	// sent raw.
	MinSize int
	// MaxBlockSize bounds both the encoded and the decoded size of a block.
	MaxBlockSize int
}

// DefaultConfig returns a Config with balanced defaults.
func DefaultConfig() Config {
	return Config{
		Level:        6,
		MinSize:      256,
		MaxBlockSize: 16 << 20,
	}
}

// BrotliFilter compresses written byte messages and decompresses read
// ones. Both peers need the filter at the same position.
type BrotliFilter struct {
	filter.BaseFilter

	cfg     Config
	writers sync.Pool
	readers sync.Pool
}

// NewBrotliFilter creates a BrotliFilter. Out of range values in cfg fall
// back to the defaults.
func NewBrotliFilter(cfg Config) *BrotliFilter {
	def := DefaultConfig()
	if cfg.Level < brotli.BestSpeed || cfg.Level > brotli.BestCompression {
		cfg.Level = def.Level
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MaxBlockSize <= 0 {
		cfg.MaxBlockSize = def.MaxBlockSize
	}
	f := &BrotliFilter{cfg: cfg}
	f.writers.New = func() any { return brotli.NewWriterLevel(nil, cfg.Level) }
	f.readers.New = func() any { return brotli.NewReader(nil) }
	return f
}

// HandleRead implements filter.Filter.
func (f *BrotliFilter) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	buf := buffer.Flatten(ctx.Message())
	if len(buf) < blockHeaderLen {
		return filter.StopIncomplete(buf, nil), nil
	}
	n := int(binary.BigEndian.Uint32(buf))
	if n > f.cfg.MaxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, n)
	}
	if len(buf) < blockHeaderLen+n {
		return filter.StopIncomplete(buf, nil), nil
	}

	payload := buf[blockHeaderLen : blockHeaderLen+n]
	switch buf[4] {
	case encodingRaw:
		ctx.SetMessage(payload)
	case encodingBrotli:
		plain, err := f.decompress(payload)
		if err != nil {
			return nil, err
		}
		ctx.SetMessage(plain)
	default:
		return nil, fmt.Errorf("compress: unknown block encoding %d", buf[4])
	}

	if rest := buf[blockHeaderLen+n:]; len(rest) > 0 {
		return filter.InvokeRemainder(rest), nil
	}
	return filter.Invoke(), nil
}

func (f *BrotliFilter) decompress(payload []byte) ([]byte, error) {
	r := f.readers.Get().(*brotli.Reader)
	defer f.readers.Put(r)
	if err := r.Reset(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	plain, err := io.ReadAll(io.LimitReader(r, int64(f.cfg.MaxBlockSize)+1))
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if len(plain) > f.cfg.MaxBlockSize {
		return nil, ErrBlockTooLarge
	}
	return plain, nil
}

// HandleWrite implements filter.Filter.
func (f *BrotliFilter) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	switch ctx.Message().(type) {
	case []byte, [][]byte:
	default:
		return filter.Invoke(), nil
	}
	body := buffer.Flatten(ctx.Message())
	if len(body) > f.cfg.MaxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(body))
	}
	alloc := ctx.Connection().Allocator()

	if len(body) >= f.cfg.MinSize {
		out := f.compress(alloc.Allocate(blockHeaderLen+len(body)/2), body)
		// Only use the compressed block if it is actually smaller.
		if len(out)-blockHeaderLen < len(body) {
			ctx.SetMessage(out)
			return filter.Invoke(), nil
		}
		alloc.Release(out)
	}

	out := alloc.Allocate(blockHeaderLen + len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, encodingRaw)
	ctx.SetMessage(append(out, body...))
	return filter.Invoke(), nil
}

// sliceWriter appends to a byte slice obtained from an allocator.
type sliceWriter struct{ b []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (f *BrotliFilter) compress(dst, body []byte) []byte {
	dst = append(dst, 0, 0, 0, 0, encodingBrotli)
	sw := &sliceWriter{b: dst}
	w := f.writers.Get().(*brotli.Writer)
	w.Reset(sw)
	// Writes into a slice cannot fail.
	_, _ = w.Write(body)
	_ = w.Close()
	f.writers.Put(w)
	binary.BigEndian.PutUint32(sw.b, uint32(len(sw.b)-blockHeaderLen))
	return sw.b
}
