package transport

import (
	"go.uber.org/zap"

	"scriptbridge/arena"
	"scriptbridge/codec"
)

// Sender posts response payloads: correlation id plus optional text, in a fresh region.
type Sender struct {
	arena         *arena.Arena
	poster        Poster
	defaultTarget Target
	logger        *zap.Logger
}

// NewSender creates a sender that posts responses through p. Target 0 in Send means
// defaultTarget.
func NewSender(a *arena.Arena, p Poster, defaultTarget Target, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		arena:         a,
		poster:        p,
		defaultTarget: defaultTarget,
		logger:        logger,
	}
}

// DefaultTarget returns the controller target used when no override is given.
func (s *Sender) DefaultTarget() Target {
	return s.defaultTarget
}

// Send posts body under id to target, or to the default controller target when target
// is zero. On success the receiver owns the region; on failure it is freed here and the
// PostError is returned.
func (s *Sender) Send(body *string, target Target, id uint32) error {
	if target == 0 {
		target = s.defaultTarget
	}

	size := codec.ResponseSize(body)
	h, buf, err := s.arena.Alloc(size)
	if err != nil {
		return err
	}
	codec.PutResponse(buf, id, body)

	if err := s.poster.Post(target, Envelope{Handle: h, Size: size}); err != nil {
		if freeErr := s.arena.Free(h); freeErr != nil {
			s.logger.Error("free after failed post", zap.Error(freeErr))
		}
		return err
	}
	return nil
}

// Notify posts the zero-length liveness envelope to the default target.
func (s *Sender) Notify() error {
	return s.poster.Post(s.defaultTarget, Envelope{})
}
