package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    time.Duration
		wantErr bool
	}{
		{name: "string seconds", doc: "d: 1s", want: time.Second},
		{name: "string compound", doc: "d: 1m30s", want: 90 * time.Second},
		{name: "string microseconds", doc: "d: 16us", want: 16 * time.Microsecond},
		{name: "bare integer nanoseconds", doc: "d: 16", want: 16},
		{name: "invalid string", doc: "d: soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.doc), &v)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if time.Duration(v.D) != tt.want {
				t.Fatalf("got %v, want %v", time.Duration(v.D), tt.want)
			}
		})
	}
}

func TestUnmarshalOverDefaultAppliesDurationOverrides(t *testing.T) {
	cfg := Default()
	data := []byte("mle:\n  parent_response_window: 5s\n")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if time.Duration(cfg.Mle.ParentResponseWindow) != 5*time.Second {
		t.Fatalf("expected parent_response_window 5s, got %v", time.Duration(cfg.Mle.ParentResponseWindow))
	}
	if time.Duration(cfg.Mle.TrickleMin) != 10*time.Second {
		t.Fatalf("expected untouched trickle_min to keep its default, got %v", time.Duration(cfg.Mle.TrickleMin))
	}
}
