package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// SinkOptions control how an export file is written.  Compression is
// applied before encryption.
type SinkOptions struct {
	Compress   bool
	Recipients []age.Recipient
}

type sink struct {
	io.Writer
	closers []io.Closer
}

// Close flushes the layers innermost first.  The destination itself is
// not closed.
func (s *sink) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSink wraps dst according to opts.  Close must be called to finish
// the zstd frame and the age stream.
func NewSink(dst io.Writer, opts SinkOptions) (io.WriteCloser, error) {
	s := &sink{Writer: dst}

	var encrypted io.WriteCloser
	if len(opts.Recipients) > 0 {
		w, err := age.Encrypt(dst, opts.Recipients...)
		if err != nil {
			return nil, fmt.Errorf("creating encrypted writer: %w", err)
		}
		encrypted = w
		s.Writer = w
	}

	if opts.Compress {
		zw, err := zstd.NewWriter(s.Writer, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		s.Writer = zw
		s.closers = append(s.closers, zw)
	}
	if encrypted != nil {
		s.closers = append(s.closers, encrypted)
	}
	return s, nil
}

// LoadRecipients parses an age recipients file (one public key per line).
func LoadRecipients(path string) ([]age.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipients: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients found in recipients file")
	}
	return recipients, nil
}
