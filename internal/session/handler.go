package session

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/cortexexpression/internal/intent"
	"github.com/normanking/cortexexpression/internal/lipsync"
	"github.com/normanking/cortexexpression/internal/priority"
)

var _ intent.Handler = (*Session)(nil)

func (s *Session) HandleExpression(e intent.Expression) error {
	return s.ApplyIntent(priority.Intent{
		Channel:   e.Channel,
		Intensity: e.Intensity,
		Source:    priority.ParseSource(e.Source),
	})
}

func (s *Session) HandleSpeaking(state string) error {
	switch state {
	case intent.SpeakingStart:
		s.StartSpeaking()
	case intent.SpeakingPause:
		s.PauseSpeaking()
	case intent.SpeakingStop:
		s.StopSpeaking()
	default:
		return fmt.Errorf("unknown speaking state %q", state)
	}
	return nil
}

func (s *Session) HandleGaze(g intent.Gaze) error {
	return s.LookAt(mgl32.Vec3{float32(g.X), float32(g.Y), float32(g.Z)})
}

func (s *Session) HandleTimeline(tl lipsync.Timeline) error {
	s.PlayTimeline(tl)
	return nil
}
