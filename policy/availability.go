package policy

import (
	"context"
	"fmt"
	"log"
)

// Size bounds for candidate files.
const (
	MinFileSize = 1 << 20 // 1 MiB
	MaxFileSize = 2 << 30 // 2 GiB
)

// Recommendation thresholds.
const (
	alwaysRecommendSize  = 100 << 20
	fastNetworkSkipSize  = 10 << 20
	mobileRecommendSize  = 25 << 20
	defaultRecommendSize = 50 << 20
)

// allowedMediaTypes is the fixed allow-list of media types the worker
// accepts.
var allowedMediaTypes = map[string]bool{
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/webm":       true,
	"video/x-matroska": true,
	"video/mpeg":       true,
}

// Use cases select which worker modules must be preloaded.
const (
	UseCaseBasic    = "basic"
	UseCaseMedical  = "medical"
	UseCaseAdvanced = "advanced"
)

// Preloader warms the worker modules for a use case before dispatch.
type Preloader interface {
	Preload(ctx context.Context, useCase string) error
}

// Availability is the transient answer to one availability check. It is
// consumed once by the caller and never persisted.
type Availability struct {
	Available   bool      `json:"available"`
	Recommended bool      `json:"recommended"`
	Bypassed    bool      `json:"bypassed,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Settings    *Settings `json:"settings,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Checker validates a candidate file and current conditions before any
// work is dispatched.
type Checker struct {
	Gate     FlagSource
	Resolver *Resolver
	Preload  Preloader
	MinSize  int64
	MaxSize  int64
}

func NewChecker(gate FlagSource, resolver *Resolver, preload Preloader) *Checker {
	return &Checker{
		Gate:     gate,
		Resolver: resolver,
		Preload:  preload,
		MinSize:  MinFileSize,
		MaxSize:  MaxFileSize,
	}
}

// Check runs the availability pipeline in order, short-circuiting on the
// first failure. It never returns an error: every failure path lands in
// Reason so UI code can surface it directly.
func (c *Checker) Check(ctx context.Context, file File, opts Options) Availability {
	var result Availability

	// The bypass latch wins over everything, including flags it would
	// otherwise mask: the caller is told to upload uncompressed.
	if c.Gate != nil && c.Gate.BypassActive() {
		result.Available = true
		result.Bypassed = true
		result.Reason = "emergency bypass active"
		result.Warnings = append(result.Warnings, "compression bypassed, uploading original file")
		return result
	}

	if c.Gate != nil && !c.Gate.IsEnabled("compression_enabled", opts.FlagContext()) {
		result.Reason = "compression is disabled"
		return result
	}

	device := opts.Device
	if device == DeviceUnknown {
		device = DetectDeviceClass()
		opts.Device = device
	}
	switch device {
	case DeviceConstrained:
		result.Reason = "device too constrained for compression"
		return result
	case DeviceMobile:
		result.Warnings = append(result.Warnings, "mobile device: compression may be slow")
	}

	if !allowedMediaTypes[file.MediaType] {
		result.Reason = fmt.Sprintf("media type %q is not supported", file.MediaType)
		return result
	}
	if file.Size < c.MinSize {
		result.Reason = fmt.Sprintf("file too small to benefit from compression (%d bytes)", file.Size)
		return result
	}
	if file.Size > c.MaxSize {
		result.Reason = fmt.Sprintf("file exceeds maximum size of %d bytes", c.MaxSize)
		return result
	}

	useCase := c.useCaseFor(opts)
	if c.Preload != nil {
		if err := c.Preload.Preload(ctx, useCase); err != nil {
			log.Printf("policy: module preload failed for %s: %v", useCase, err)
			result.Reason = "compression modules failed to load"
			return result
		}
	}

	settings := c.Resolver.Resolve(file, opts)
	result.Available = true
	result.Settings = &settings
	result.Recommended = Recommend(file, opts)
	return result
}

func (c *Checker) useCaseFor(opts Options) string {
	if c.Gate != nil && c.Gate.IsEnabled("advanced_codec", opts.FlagContext()) {
		return UseCaseAdvanced
	}
	if opts.Priority == PriorityUrgent || opts.Priority == PriorityEmergency {
		return UseCaseMedical
	}
	return UseCaseBasic
}

// Recommend applies the recommendation policy. Order of precedence is
// fixed; the first matching rule wins.
func Recommend(file File, opts Options) bool {
	switch {
	case file.Size > alwaysRecommendSize:
		return true
	case opts.Network == NetworkSlow:
		return true
	case opts.Network == NetworkFast && file.Size < fastNetworkSkipSize:
		return false
	case opts.Device == DeviceMobile:
		return file.Size > mobileRecommendSize
	default:
		return file.Size > defaultRecommendSize
	}
}
