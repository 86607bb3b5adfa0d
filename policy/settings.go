package policy

import "time"

// Preset names understood by the compression worker, slowest to fastest.
const (
	PresetStandard  = "medical-standard"
	PresetOptimized = "medical-optimized"
	PresetFast      = "medical-fast"
)

// Quality tiers.
const (
	QualityBalanced = "balanced"
	QualitySpeed    = "speed"
)

// Settings are the resolved, immutable parameters for one job. They are
// computed fresh per request and never cached across differing contexts.
type Settings struct {
	Preset        string        `json:"preset"`
	Quality       string        `json:"quality"`
	MaxDuration   time.Duration `json:"maxDuration"`
	ChunkSize     int64         `json:"chunkSize"`
	AdvancedCodec bool          `json:"advancedCodec"`
	Timeout       time.Duration `json:"timeout"`
}

// Timeouts holds the caller-side dispatch deadlines per context.
type Timeouts struct {
	Default   time.Duration
	Mobile    time.Duration
	Urgent    time.Duration
	Emergency time.Duration
}

// DefaultTimeouts returns the stock timeout policy.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default:   120 * time.Second,
		Mobile:    45 * time.Second,
		Urgent:    30 * time.Second,
		Emergency: 15 * time.Second,
	}
}

// FlagSource is the slice of the feature-flag gate the resolver needs.
type FlagSource interface {
	IsEnabled(name string, ctx map[string]string) bool
	Variant(name string, ctx map[string]string) (string, bool)
	BypassActive() bool
}

// Resolver layers compression settings from device, medical priority and
// feature-flag context. Resolve is pure for a fixed flag state.
type Resolver struct {
	Gate     FlagSource
	Timeouts Timeouts
}

func NewResolver(gate FlagSource) *Resolver {
	return &Resolver{Gate: gate, Timeouts: DefaultTimeouts()}
}

const (
	defaultChunkSize = 32 << 20
	mobileChunkSize  = 16 << 20
)

// Resolve computes settings for a file and request context. Override order
// is deliberate: mobile tuning first, then medical priority (urgency must
// beat generic mobile limits), then feature-flag variants last so staged
// rollouts win over everything.
func (r *Resolver) Resolve(file File, opts Options) Settings {
	s := Settings{
		Preset:      PresetStandard,
		Quality:     QualityBalanced,
		MaxDuration: 60 * time.Second,
		ChunkSize:   defaultChunkSize,
		Timeout:     r.Timeouts.Default,
	}

	if opts.Device == DeviceMobile || opts.Device == DeviceConstrained {
		s.ChunkSize = mobileChunkSize
		s.MaxDuration = 45 * time.Second
		s.Timeout = r.Timeouts.Mobile
	}

	switch opts.Priority {
	case PriorityEmergency:
		s.Preset = PresetFast
		s.Quality = QualitySpeed
		s.MaxDuration = 15 * time.Second
		s.Timeout = r.Timeouts.Emergency
	case PriorityUrgent:
		s.Preset = PresetOptimized
		s.MaxDuration = 30 * time.Second
		s.Timeout = r.Timeouts.Urgent
	}

	if r.Gate != nil {
		fctx := opts.FlagContext()
		if r.Gate.IsEnabled("advanced_codec", fctx) {
			s.AdvancedCodec = true
		}
		if v, ok := r.Gate.Variant("compression_preset", fctx); ok && v != "" {
			s.Preset = v
		}
	}

	if opts.Timeout > 0 {
		s.Timeout = opts.Timeout
	}

	return s
}
