package wes

import "testing"

func TestStateClassification(t *testing.T) {
	tests := []struct {
		state      State
		failure    bool
		success    bool
		terminated bool
	}{
		{StateUnknown, false, false, false},
		{StateQueued, false, false, false},
		{StateInitializing, false, false, false},
		{StateRunning, false, false, false},
		{StateComplete, false, true, true},
		{StateExecutorError, true, false, true},
		{StateSystemError, true, false, true},
		{StateCanceling, false, false, false},
		{StateCanceled, false, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsFailure(); got != tt.failure {
				t.Errorf("IsFailure() = %v, want %v", got, tt.failure)
			}
			if got := tt.state.IsSuccess(); got != tt.success {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.success)
			}
			if got := tt.state.IsTerminated(); got != tt.terminated {
				t.Errorf("IsTerminated() = %v, want %v", got, tt.terminated)
			}
		})
	}
}

func TestCancelRejection(t *testing.T) {
	tests := []struct {
		state    State
		reason   string
		rejected bool
	}{
		{StateQueued, "", false},
		{StateInitializing, "", false},
		{StateRunning, "", false},
		{StateCanceling, "run already canceled", true},
		{StateCanceled, "run already canceled", true},
		{StateExecutorError, "run already terminated with error", true},
		{StateSystemError, "run already terminated with error", true},
		{StateComplete, "run already completed", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			reason, rejected := CancelRejection(tt.state)
			if rejected != tt.rejected {
				t.Fatalf("rejected = %v, want %v", rejected, tt.rejected)
			}
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}
