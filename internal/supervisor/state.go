package supervisor

import "log/slog"

// State is a step in the supervisor's lifecycle
type State int

const (
	StateStart State = iota
	StateVerifying
	StateAuthorized
	StateUnauthorized
	StateDegraded
	StateRunning
	StateCompleted
	StateDestructed
)

var stateNames = [...]string{
	StateStart:        "start",
	StateVerifying:    "verifying",
	StateAuthorized:   "authorized",
	StateUnauthorized: "unauthorized",
	StateDegraded:     "degraded",
	StateRunning:      "running",
	StateCompleted:    "completed",
	StateDestructed:   "destructed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the run has ended
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDestructed
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.history = append(s.history, next)
	s.mu.Unlock()

	s.logger.Debug("State transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every state entered so far, in order
func (s *Supervisor) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}
