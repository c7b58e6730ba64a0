package gateway

import (
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/protocol"
)

// Demux routes inbound frames to the correlator: terminal frames resolve or
// reject their request, stream frames become StreamEvents for it.
type Demux struct {
	corr *Correlator
	log  zerolog.Logger
}

// NewDemux creates a Demux feeding corr.
func NewDemux(corr *Correlator, logger zerolog.Logger) *Demux {
	return &Demux{
		corr: corr,
		log:  logger.With().Str("component", "demux").Logger(),
	}
}

// HandleFrame routes a single frame. Frames for unknown requests are dropped
// silently: late events after a timeout or reconnect are expected.
func (d *Demux) HandleFrame(f protocol.Frame) {
	switch f.Kind {
	case protocol.KindResponse:
		if !d.corr.Resolve(f.RequestID, f.Payload) {
			d.log.Debug().Str("request", f.RequestID).Msg("dropped response for unmatched request")
		}

	case protocol.KindError:
		if !d.corr.Reject(f.RequestID, protocol.FromFrameError(f.Error)) {
			d.log.Debug().Str("request", f.RequestID).Msg("dropped error for unmatched request")
		}

	case protocol.KindStream:
		ev, err := protocol.ParseStreamEvent(f)
		if err != nil {
			d.log.Warn().Err(err).Str("request", f.RequestID).Msg("malformed stream frame")
			return
		}
		if !d.corr.DispatchStreamEvent(f.RequestID, ev) {
			d.log.Debug().Str("request", f.RequestID).Str("event", string(ev.Type)).
				Msg("dropped stream event for unmatched request")
			return
		}
		// An explicit end of stream is terminal on its own. A final response
		// arriving afterwards is a duplicate and will be ignored.
		if ev.IsEnd() {
			d.corr.Resolve(f.RequestID, nil)
		}

	case protocol.KindRequest:
		d.log.Debug().Str("method", f.Method).Msg("server request ignored")
	}
}
