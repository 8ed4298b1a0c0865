package poller

import (
	"testing"
	"time"
)

func TestDeriveState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		obs   Observation
		flags Flags
		want  State
	}{
		{name: "uploading is sticky", obs: Observation{HasKnowledge: true}, flags: Flags{Uploading: true, Previous: StateReady}, want: StateUploading},
		{name: "tick uploaded", obs: Observation{HasKnowledge: true, Uploaded: true}, flags: Flags{Previous: StateNoKnowledge}, want: StateProcessing},
		{name: "processing resolves", obs: Observation{HasKnowledge: true}, flags: Flags{Previous: StateProcessing}, want: StateReady},
		{name: "processing waits", obs: Observation{}, flags: Flags{Previous: StateProcessing}, want: StateProcessing},
		{name: "ready", obs: Observation{HasKnowledge: true}, flags: Flags{Previous: StateConnecting}, want: StateReady},
		{name: "no knowledge", obs: Observation{}, flags: Flags{Previous: StateReady}, want: StateNoKnowledge},
		{name: "recovers from backend error", obs: Observation{}, flags: Flags{Previous: StateBackendError}, want: StateNoKnowledge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeriveState(tt.obs, tt.flags); got != tt.want {
				t.Fatalf("DeriveState(%+v, %+v) = %s, want %s", tt.obs, tt.flags, got, tt.want)
			}
		})
	}
}

func TestBackoffDoublesToCapAndResets(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 2 * time.Second, Cap: 30 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != 2*time.Second {
		t.Fatalf("Next() after Reset = %v, want %v", got, 2*time.Second)
	}
}
