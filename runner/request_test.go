package runner

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizedAppliesDefaults(t *testing.T) {
	r := Request{Image: "  aGk=  ", Prompt: "  drifting clouds  "}.Normalized()
	if r.Image != "aGk=" || r.Prompt != "drifting clouds" {
		t.Fatalf("normalized = %+v", r)
	}
	if r.FrameCount != DefaultFrameCount {
		t.Errorf("frame count = %d, want %d", r.FrameCount, DefaultFrameCount)
	}
	if r.FPS != DefaultFPS {
		t.Errorf("fps = %d, want %d", r.FPS, DefaultFPS)
	}
	if r.Seed != nil {
		t.Errorf("seed defaulted to %v, want unset", *r.Seed)
	}
}

func TestNormalizedKeepsExplicitValues(t *testing.T) {
	r := Request{Image: "aGk=", Prompt: "x", FrameCount: 33, FPS: 24}.Normalized()
	if r.FrameCount != 33 || r.FPS != 24 {
		t.Fatalf("normalized = %+v", r)
	}
}

func TestValidateNamesWireFields(t *testing.T) {
	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"image", Request{Prompt: "x", FrameCount: 21, FPS: 12}, "image"},
		{"prompt", Request{Image: "aGk=", FrameCount: 21, FPS: 12}, "prompt"},
		{"frame_count", Request{Image: "aGk=", Prompt: "x", FrameCount: 200, FPS: 12}, "frame_count"},
		{"fps", Request{Image: "aGk=", Prompt: "x", FrameCount: 21, FPS: 0}, "fps"},
		{"timeout_seconds", Request{Image: "aGk=", Prompt: "x", FrameCount: 21, FPS: 12, TimeoutSeconds: 9999}, "timeout_seconds"},
	}
	for _, tc := range cases {
		err := tc.req.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if verr.Field != tc.field {
			t.Errorf("%s: field = %q, want %q", tc.name, verr.Field, tc.field)
		}
	}
}

func TestValidateAcceptsBoundaryValues(t *testing.T) {
	for _, frames := range []int{5, 121} {
		r := Request{Image: "aGk=", Prompt: "x", FrameCount: frames, FPS: 12}
		if err := r.Validate(); err != nil {
			t.Errorf("frame_count %d rejected: %v", frames, err)
		}
	}
	for _, fps := range []int{1, 60} {
		r := Request{Image: "aGk=", Prompt: "x", FrameCount: 21, FPS: fps}
		if err := r.Validate(); err != nil {
			t.Errorf("fps %d rejected: %v", fps, err)
		}
	}
	seed := int64(4294967295)
	r := Request{Image: "aGk=", Prompt: "x", FrameCount: 21, FPS: 12, Seed: &seed}
	if err := r.Validate(); err != nil {
		t.Errorf("max seed rejected: %v", err)
	}
}

func TestResolveSeedHonorsExplicitSeed(t *testing.T) {
	seed := int64(12345)
	r := Request{Seed: &seed}
	if got := r.ResolveSeed(); got != 12345 {
		t.Fatalf("seed = %d", got)
	}
}

func TestResolveSeedDrawsWithinUint32(t *testing.T) {
	r := Request{}
	for i := 0; i < 100; i++ {
		s := r.ResolveSeed()
		if s < 0 || s >= 1<<32 {
			t.Fatalf("seed %d outside uint32 range", s)
		}
	}
}

func TestTimeoutFallsBack(t *testing.T) {
	r := Request{}
	if got := r.Timeout(3 * time.Minute); got != 3*time.Minute {
		t.Fatalf("timeout = %s", got)
	}
	r.TimeoutSeconds = 45
	if got := r.Timeout(3 * time.Minute); got != 45*time.Second {
		t.Fatalf("timeout = %s", got)
	}
}
