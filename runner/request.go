package runner

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Generation defaults, matching the stock WAN 2.1 loop deployment.
const (
	DefaultFrameCount = 21
	DefaultFPS        = 12
	DefaultTimeout    = 10 * time.Minute
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// report fields under their wire names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Request describes one video generation job.
type Request struct {
	// Image is the input frame used as both the first and last frame of
	// the loop: raw base64, a data URL, or an http(s) URL to fetch.
	Image string `json:"image" validate:"required"`
	// Prompt guides the motion between the two identical frames.
	Prompt string `json:"prompt" validate:"required"`
	// FrameCount is the number of frames to generate, default 21. The
	// window matches what the WAN architecture will sample coherently.
	FrameCount int `json:"frame_count" validate:"gte=5,lte=121"`
	// FPS is the playback rate of the encoded video, default 12.
	FPS int `json:"fps" validate:"gte=1,lte=60"`
	// Seed pins the noise seed. Leave unset for a random draw; the used
	// value is reported back in the result either way.
	Seed *int64 `json:"seed" validate:"omitempty,gte=0,lte=4294967295"`
	// TimeoutSeconds overrides the runner's default await budget.
	TimeoutSeconds int `json:"timeout_seconds" validate:"omitempty,gte=1,lte=3600"`
}

// Normalized returns a copy with whitespace trimmed and defaults applied.
func (r Request) Normalized() Request {
	r.Image = strings.TrimSpace(r.Image)
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.FrameCount == 0 {
		r.FrameCount = DefaultFrameCount
	}
	if r.FPS == 0 {
		r.FPS = DefaultFPS
	}
	return r
}

// Validate checks a normalized request without touching the network. The
// returned error is a *ValidationError naming the first offending field.
func (r Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Reason: reason(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " constraint"
	}
}

// ResolveSeed returns the seed to bind, drawing from the full uint32 range
// when the request leaves it unset.
func (r Request) ResolveSeed() int64 {
	if r.Seed != nil {
		return *r.Seed
	}
	return rand.Int63n(1 << 32)
}

// Timeout returns the await budget for this request.
func (r Request) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return fallback
}
