package idempotency

import (
	"testing"
)

func intp(v int) *int { return &v }

func TestDecideStateMachine(t *testing.T) {
	const (
		method  = "POST"
		path    = "/gateway/deduct"
		bodySHA = "5a159b6e835fc4d107d0ffd630fe705c1a86c00ebf7d5dad7179ad912d249129"
	)
	completed := record{
		method: method, path: path, bodySHA: bodySHA,
		status: intp(200), body: []byte(`{"ok":true,"new_balance":95}`),
	}
	reserved := record{method: method, path: path, bodySHA: bodySHA}

	tests := []struct {
		name    string
		rec     record
		method  string
		path    string
		bodySHA string
		want    Outcome
	}{
		{"reserved matching request locks", reserved, method, path, bodySHA, OutcomeLocked},
		{"reserved different body conflicts", reserved, method, path, "deadbeef", OutcomeConflict},
		{"reserved different path conflicts", reserved, method, "/topup/mock", bodySHA, OutcomeConflict},
		{"reserved different method conflicts", reserved, "PUT", path, bodySHA, OutcomeConflict},
		{"completed matching request replays", completed, method, path, bodySHA, OutcomeReplay},
		{"completed different body conflicts", completed, method, path, "deadbeef", OutcomeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decide(tt.rec, tt.method, tt.path, tt.bodySHA)
			if got.Outcome != tt.want {
				t.Fatalf("outcome = %v, want %v", got.Outcome, tt.want)
			}
			switch tt.want {
			case OutcomeReplay:
				if got.Status != 200 || string(got.Body) != `{"ok":true,"new_balance":95}` {
					t.Errorf("replay payload = %d %q", got.Status, got.Body)
				}
			case OutcomeConflict:
				if got.Reason != ConflictReasonPayload {
					t.Errorf("conflict reason = %q, want %q", got.Reason, ConflictReasonPayload)
				}
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeClaimed, "claimed"},
		{OutcomeLocked, "locked"},
		{OutcomeConflict, "conflict"},
		{OutcomeReplay, "replay"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.outcome), got, tt.want)
		}
	}
}
