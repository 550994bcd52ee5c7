package tarsplit

import (
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// hashingSink is a write-sink wrapper that updates a SHA-256 digest
// with every buffer it forwards to an inner writer. On Close it
// finalizes the digest and writes the lowercase hex value to a sidecar
// file, then releases the inner writer. It must be released on every
// exit path so the sidecar is always written on normal completion.
type hashingSink struct {
	inner   io.WriteCloser
	digest  hash.Hash
	sidecar string
	log     *logrus.Logger
	closed  bool
}

// newHashingSink wraps inner with a SHA-256 pass-through that will
// write its hex digest to sidecarPath when closed.
func newHashingSink(inner io.WriteCloser, sidecarPath string, log *logrus.Logger) *hashingSink {
	return &hashingSink{
		inner:   inner,
		digest:  NewSHA256(),
		sidecar: sidecarPath,
		log:     log,
	}
}

// Write updates the digest with buf, then forwards it to the inner
// sink, returning the inner sink's byte count.
func (h *hashingSink) Write(buf []byte) (int, error) {
	h.digest.Write(buf)
	return h.inner.Write(buf)
}

// Flush forwards to the inner sink when it supports flushing.
func (h *hashingSink) Flush() error {
	if f, ok := h.inner.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close finalizes the digest, writes the sidecar, and releases the
// inner sink. Sidecar write failures are logged, not propagated: per
// the error policy, finalization failures in the release path must not
// re-enter the writer stack, since Close is itself called from other
// Close paths unwinding on error.
func (h *hashingSink) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	sum := hex.EncodeToString(h.digest.Sum(nil))
	if err := os.WriteFile(h.sidecar, []byte(sum), 0o644); err != nil {
		if h.log != nil {
			h.log.WithError(err).WithField("sidecar", h.sidecar).Warn("failed to write digest sidecar")
		}
	}

	if err := h.inner.Close(); err != nil {
		return errors.Wrapf(err, "close inner sink for %s", h.sidecar)
	}
	return nil
}
