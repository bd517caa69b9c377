package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hilitelabs/narrate-core/internal/bus"
	"github.com/hilitelabs/narrate-core/internal/config"
	"github.com/hilitelabs/narrate-core/internal/protocol"
	"github.com/hilitelabs/narrate-core/internal/surface"
)

// Service bridges the bus to the session manager: speak and control
// requests in, highlight/state/error events out. The host renders
// highlights from the published coordinates, so sessions run with a
// no-op in-process highlighter.
type Service struct {
	cfg        config.NarrationConfig
	bus        *bus.Client
	manager    *Manager
	subSpeak   *nats.Subscription
	subControl *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewService(parent context.Context, cfg config.NarrationConfig, busClient *bus.Client, manager *Manager, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		manager: manager,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "narration-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeakRequest, s.handleSpeak)
	if err != nil {
		return err
	}
	s.subSpeak = sub

	subControl, err := s.bus.Conn().Subscribe(protocol.SubjectControlRequest, s.handleControl)
	if err != nil {
		_ = s.subSpeak.Drain()
		return err
	}
	s.subControl = subControl
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subSpeak != nil {
		_ = s.subSpeak.Drain()
	}
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
	s.wg.Wait()
	s.manager.Close()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subSpeak != nil && s.subControl != nil)
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}
	if req.SessionID == "" || len(req.Fragments) == 0 {
		s.logger.Warn("speak request missing session id or fragments")
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}

	frags := make([]surface.Fragment, 0, len(req.Fragments))
	for _, f := range req.Fragments {
		frags = append(frags, &surface.TextFragment{FragID: f.ID, Content: f.Text})
	}
	src := surface.NewStaticSource(frags...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// The relay goes in as a Speak observer so the initial state
		// transition and early word events reach the bus.
		sess, err := s.manager.Speak(s.ctx, req.SessionID, src, noopHighlighter{}, voice, s.relay)
		if err != nil {
			s.publishError(req.SessionID, "synthesis_failure", err)
			return
		}
		sess.OnError(func(err error) {
			s.publishError(req.SessionID, "playback_degraded", err)
		})
	}()
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		return
	}
	sess := s.manager.Current()
	if sess == nil || sess.ID() != req.SessionID {
		s.logger.Warn("control request for unknown session", slog.String("session", req.SessionID))
		return
	}

	var err error
	switch req.Action {
	case protocol.ActionPause:
		err = sess.Pause()
	case protocol.ActionResume:
		err = sess.Resume()
	case protocol.ActionStop:
		sess.Stop()
	default:
		s.logger.Warn("unknown control action", slog.String("action", req.Action))
		return
	}
	if err != nil {
		s.logger.Warn("control action failed",
			slog.String("action", req.Action), slogError(err))
		s.publishError(req.SessionID, "control_failure", err)
	}
}

func (s *Service) relay(ev Event) {
	sess := s.manager.Current()
	if sess == nil || sess.ID() != ev.SessionID {
		return
	}
	switch ev.Type {
	case EventWordReached:
		regions := make([]protocol.FragmentRegion, 0, len(ev.Regions))
		for _, r := range ev.Regions {
			regions = append(regions, protocol.FragmentRegion{
				FragmentID: r.Fragment.ID(),
				Start:      r.Start,
				End:        r.End,
			})
		}
		s.publish(protocol.SubjectWordHighlight, protocol.HighlightEvent{
			SessionID:  ev.SessionID,
			WordIndex:  ev.WordIndex,
			CharOffset: ev.CharOffset,
			Length:     ev.Length,
			Regions:    regions,
			Timestamp:  time.Now().UTC(),
		})
	case EventHighlightCleared:
		s.publish(protocol.SubjectWordHighlight, protocol.HighlightEvent{
			SessionID: ev.SessionID,
			WordIndex: ev.WordIndex,
			Clear:     true,
			Timestamp: time.Now().UTC(),
		})
	case EventStateChanged:
		s.publishState(sess, string(ev.State))
	case EventEstimationFallback:
		s.publishState(sess, string(sess.State()))
	}
}

func (s *Service) publishState(sess *Session, state string) {
	ev := protocol.StateEvent{
		SessionID: sess.ID(),
		State:     state,
		Estimated: sess.Estimated(),
		Timestamp: time.Now().UTC(),
	}
	if p, ok := sess.Progress(); ok {
		ev.Progress = &p
	}
	s.publish(protocol.SubjectSessionState, ev)
}

func (s *Service) publishError(sessionID, kind string, err error) {
	s.publish(protocol.SubjectSessionError, protocol.ErrorEvent{
		SessionID: sessionID,
		Kind:      kind,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

// noopHighlighter discards in-process highlight calls; bus hosts render
// from published coordinates instead.
type noopHighlighter struct{}

func (noopHighlighter) Highlight([]surface.Region) {}
func (noopHighlighter) Clear()                     {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
