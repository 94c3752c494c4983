// Package devices captures camera and microphone through pion/mediadevices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var _ port.MediaAcquirer = (*Acquirer)(nil)

type Config struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// Acquirer opens local devices for one call at a time. Classification into
// the error taxonomy happens here and nowhere else.
type Acquirer struct {
	cfg    Config
	codecs *mediadevices.CodecSelector

	// enumerate and open are replaced in tests.
	enumerate func() []mediadevices.MediaDeviceInfo
	open      func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

func NewAcquirer(cfg Config) (*Acquirer, error) {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 480
	}
	if cfg.VideoBitRate <= 0 {
		cfg.VideoBitRate = 1_500_000
	}
	codecs, err := newCodecSelector(cfg.VideoBitRate)
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}
	return &Acquirer{
		cfg:       cfg,
		codecs:    codecs,
		enumerate: mediadevices.EnumerateDevices,
		open:      mediadevices.GetUserMedia,
	}, nil
}

// PopulateMediaEngine registers the codecs local tracks are encoded with.
func (a *Acquirer) PopulateMediaEngine(m *webrtc.MediaEngine) error {
	a.codecs.Populate(m)
	return nil
}

// Devices lists what the drivers can see.
func (a *Acquirer) Devices() []mediadevices.MediaDeviceInfo {
	return a.enumerate()
}

func (a *Acquirer) Acquire(ctx context.Context, callType domain.CallType) (port.MediaHandle, error) {
	if err := a.checkPresent(callType); err != nil {
		return nil, err
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	constraints := a.constraints(callType)
	go func() {
		s, err := a.open(constraints)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			kind := Classify(r.err)
			log.Warn().Err(r.err).Str("kind", string(kind)).Str("call_type", string(callType)).Msg("Media capture failed")
			return nil, domain.NewError(kind, r.err)
		}
		h := newHandle(r.stream)
		log.Debug().Str("stream_id", h.StreamID()).Int("tracks", len(h.tracks)).Msg("Media captured")
		return h, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				newHandle(r.stream).Release()
				log.Debug().Msg("Released media granted after the request was abandoned")
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *Acquirer) checkPresent(callType domain.CallType) error {
	var audio, video bool
	for _, d := range a.enumerate() {
		switch d.Kind {
		case mediadevices.AudioInput:
			audio = true
		case mediadevices.VideoInput:
			video = true
		}
	}
	for _, k := range callType.Kinds() {
		if (k == domain.MediaAudio && !audio) || (k == domain.MediaVideo && !video) {
			return domain.NewError(domain.KindDeviceNotFound, fmt.Errorf("no %s input device", k))
		}
	}
	return nil
}

func (a *Acquirer) constraints(callType domain.CallType) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{
		Codec: a.codecs,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if callType == domain.CallTypeVideo {
		c.Video = func(m *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the encoder chokes on.
			m.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			m.Width = prop.IntRanged{Max: a.cfg.MaxWidth}
			m.Height = prop.IntRanged{Max: a.cfg.MaxHeight}
		}
	}
	return c
}

// Handle owns the captured tracks until Release.
type Handle struct {
	id     string
	tracks []mediadevices.Track
	audio  bool
	video  bool
	once   sync.Once
}

func newHandle(s mediadevices.MediaStream) *Handle {
	h := &Handle{id: domain.NewStreamID(), tracks: s.GetTracks()}
	for _, t := range h.tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			h.audio = true
		case webrtc.RTPCodecTypeVideo:
			h.video = true
		}
	}
	return h
}

func (h *Handle) StreamID() string { return h.id }
func (h *Handle) HasAudio() bool   { return h.audio }
func (h *Handle) HasVideo() bool   { return h.video }

// TrackLocals exposes the tracks for a peer connection.
func (h *Handle) TrackLocals() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(h.tracks))
	for _, t := range h.tracks {
		out = append(out, t)
	}
	return out
}

// Release stops every track. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		var errs []error
		for _, t := range h.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			log.Debug().Err(err).Str("stream_id", h.id).Msg("Track close")
		}
	})
}
