// Package baseservice provides the small set of collaborators every
// control-loop component needs: a logger and a stubbable time source. It's
// grounded on the teacher's rivershared/baseservice package, generalized
// slightly since oban-go has no per-component "service name" prefix
// requirement.
package baseservice

import (
	"log/slog"
	"time"
)

// TimeGenerator abstracts "now" so tests can stub the clock instead of
// sleeping in real time for interval-driven loops (Stager, Refresher,
// Pruner, Scheduler).
type TimeGenerator interface {
	NowUTC() time.Time
}

// Archetype bundles the logger and clock shared by every component
// constructor, injected rather than reached for as ambient globals (spec
// §9).
type Archetype struct {
	Logger *slog.Logger
	Time   TimeGenerator
}

// systemTime is the default TimeGenerator used outside of tests.
type systemTime struct{}

func (systemTime) NowUTC() time.Time { return time.Now().UTC() }

// NewArchetype returns a production Archetype: the given logger (or
// slog.Default() if nil) paired with the real system clock.
func NewArchetype(logger *slog.Logger) *Archetype {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archetype{Logger: logger, Time: systemTime{}}
}

// BaseService is embedded by every control-loop component to give it
// access to the shared archetype without repeating the same two fields
// everywhere.
type BaseService struct {
	Archetype *Archetype
	Name      string
}

// NewBaseService constructs a BaseService for a component named name.
func NewBaseService(archetype *Archetype, name string) BaseService {
	return BaseService{Archetype: archetype, Name: name}
}

// Logger returns the component's logger, annotated with its name.
func (b *BaseService) Logger() *slog.Logger {
	return b.Archetype.Logger.With(slog.String("component", b.Name))
}

// Now returns the current time according to the component's (possibly
// stubbed) clock.
func (b *BaseService) Now() time.Time {
	return b.Archetype.Time.NowUTC()
}
