package session

import (
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
)

// Source produces uniformly distributed values in [0, 1).
type Source interface {
	Float64() float64
}

type mathSource struct{}

func (mathSource) Float64() float64 { return rand.Float64() }

// randomLook draws a yaw and pitch uniformly from [-π/2, π/2).
//
// Postcondition: both values lie within a half turn centred on zero.
func randomLook(src Source) (yaw, pitch float64) {
	yaw = src.Float64()*math.Pi - math.Pi/2
	pitch = src.Float64()*math.Pi - math.Pi/2
	return yaw, pitch
}

// armAntiIdleLocked schedules the next anti-idle look for s. Each firing
// re-arms the slot before acting, so exactly one tick is outstanding while the
// session stays spawned. The caller must hold s.mu.
func (m *Manager) armAntiIdleLocked(s *Session) {
	s.arm(m.sched, &s.antiIdle, m.cfg.AntiIdleInterval, func() func() {
		if !s.spawned || s.conn == nil {
			return nil
		}
		c := s.conn
		yaw, pitch := randomLook(m.rnd)
		m.armAntiIdleLocked(s)
		return func() {
			if err := c.Look(yaw, pitch); err != nil {
				m.logger.Debug("anti-idle look failed",
					zap.Int("session", s.id),
					zap.Error(err),
				)
			}
		}
	})
}
