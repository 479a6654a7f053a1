package safety

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Mode is the safety mode of a service. The zero value is ModeRestricted.
type Mode int32

const (
	ModeRestricted Mode = iota
	ModePermissive
)

func (m Mode) String() string {
	switch m {
	case ModeRestricted:
		return "RESTRICTED"
	case ModePermissive:
		return "PERMISSIVE"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

// MarshalText encodes the mode in lower case, the form used in config files.
func (m Mode) MarshalText() ([]byte, error) {
	switch m {
	case ModeRestricted, ModePermissive:
		return []byte(strings.ToLower(m.String())), nil
	default:
		return nil, fmt.Errorf("invalid mode %d", int32(m))
	}
}

// UnmarshalText accepts any spelling ParseMode accepts.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses restricted/permissive. "safe" and "unsafe" are accepted as
// aliases. An empty string yields ModeRestricted.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "restricted", "safe":
		return ModeRestricted, nil
	case "permissive", "unsafe":
		return ModePermissive, nil
	default:
		return ModeRestricted, fmt.Errorf("unknown safety mode %q: expected restricted or permissive", s)
	}
}

// Service names an independent safety axis.
type Service int

const (
	ServiceDatabase Service = iota
	ServiceAPI

	numServices
)

func (s Service) String() string {
	switch s {
	case ServiceDatabase:
		return "database"
	case ServiceAPI:
		return "api"
	default:
		return fmt.Sprintf("Service(%d)", int(s))
	}
}

func (s Service) valid() bool {
	return s >= 0 && s < numServices
}

// ParseService parses "database" or "api".
func ParseService(s string) (Service, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "database", "db", "":
		return ServiceDatabase, nil
	case "api":
		return ServiceAPI, nil
	default:
		return ServiceDatabase, fmt.Errorf("unknown service %q: expected database or api", s)
	}
}

// Services returns every service in declaration order.
func Services() []Service {
	out := make([]Service, 0, numServices)
	for s := Service(0); s < numServices; s++ {
		out = append(out, s)
	}
	return out
}

// ModeObserver is notified after every successful mode write.
type ModeObserver func(service Service, previous, current Mode)

// ModeController owns the process-wide mode of each service.
// Reads are lock-free atomic loads; writes are serialized so that audit
// events and observers see transitions in the order they happened.
type ModeController struct {
	modes     [numServices]atomic.Int32
	mu        sync.Mutex
	observers []ModeObserver
	logger    zerolog.Logger
}

// NewModeController creates a controller with the given initial modes.
// Services missing from initial start in ModeRestricted.
func NewModeController(initial map[Service]Mode, logger zerolog.Logger, observers ...ModeObserver) *ModeController {
	c := &ModeController{observers: observers, logger: logger}
	for s, m := range initial {
		if !s.valid() {
			panic(fmt.Sprintf("safety: invalid service %d in initial modes", int(s)))
		}
		if m != ModeRestricted && m != ModePermissive {
			panic(fmt.Sprintf("safety: invalid initial mode %d for %s", int32(m), s))
		}
		c.modes[s].Store(int32(m))
	}
	for s := Service(0); s < numServices; s++ {
		current := Mode(c.modes[s].Load())
		for _, obs := range observers {
			obs(s, current, current)
		}
	}
	return c
}

// CurrentMode returns the current mode of service. Unknown services report
// ModeRestricted.
func (c *ModeController) CurrentMode(service Service) Mode {
	if !service.valid() {
		return ModeRestricted
	}
	return Mode(c.modes[service].Load())
}

// SetMode sets the mode of service and returns the previous mode.
func (c *ModeController) SetMode(service Service, mode Mode) (Mode, error) {
	if !service.valid() {
		return ModeRestricted, fmt.Errorf("unknown service %s", service)
	}
	if mode != ModeRestricted && mode != ModePermissive {
		return ModeRestricted, fmt.Errorf("invalid mode %s", mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := Mode(c.modes[service].Swap(int32(mode)))

	var event *zerolog.Event
	if mode == ModePermissive && previous != ModePermissive {
		event = c.logger.Warn()
	} else {
		event = c.logger.Info()
	}
	event.
		Str("service", service.String()).
		Str("previous_mode", previous.String()).
		Str("mode", mode.String()).
		Msg("safety mode changed")

	for _, obs := range c.observers {
		obs(service, previous, mode)
	}
	return previous, nil
}

// SetPermissive switches service to ModePermissive when enable is true and to
// ModeRestricted otherwise. It returns the resulting mode.
func (c *ModeController) SetPermissive(service Service, enable bool) (Mode, error) {
	mode := ModeRestricted
	if enable {
		mode = ModePermissive
	}
	if _, err := c.SetMode(service, mode); err != nil {
		return c.CurrentMode(service), err
	}
	return mode, nil
}
