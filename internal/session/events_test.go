package session

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusStarting, StatusHandshaking},
		{StatusHandshaking, StatusReady},
		{StatusReady, StatusPrompting},
		{StatusPrompting, StatusReady},
		{StatusReady, StatusEnding},
		{StatusPrompting, StatusPrompting}, // same state is always fine
	}
	for _, tc := range allowed {
		if !canTransition(tc.from, tc.to) {
			t.Fatalf("canTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusStarting, StatusReady},
		{StatusStarting, StatusPrompting},
		{StatusHandshaking, StatusPrompting},
		{StatusEnding, StatusReady},
		{StatusEnding, StatusStarting},
	}
	for _, tc := range forbidden {
		if canTransition(tc.from, tc.to) {
			t.Fatalf("canTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}
