package payload

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sample struct {
	ID    string            `json:"id" msgpack:"id"`
	Score float64           `json:"score" msgpack:"score"`
	Tags  map[string]string `json:"tags" msgpack:"tags"`
}

func TestCodecs(t *testing.T) {
	want := sample{
		ID:    "t1",
		Score: 0.95,
		Tags:  map[string]string{"agent": "sentinel"},
	}

	for _, codec := range []Codec{JSON{}, MsgPack{}} {
		t.Run(codec.ContentType(), func(t *testing.T) {
			blob, err := codec.Encode(want)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			var got sample
			if err := codec.Decode(blob, &got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDefaultIsJSON(t *testing.T) {
	if _, ok := Default().(JSON); !ok {
		t.Errorf("Default() = %T, want JSON", Default())
	}
	if got := Default().ContentType(); got != "application/json" {
		t.Errorf("ContentType = %q", got)
	}
}

func TestJSONDecodeError(t *testing.T) {
	var v sample
	if err := (JSON{}).Decode([]byte(`{truncated`), &v); err == nil {
		t.Error("expected decode error for malformed input")
	}
}
