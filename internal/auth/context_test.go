// ABOUTME: Unit tests for admission context functions
// ABOUTME: Tests the Admission variants and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAgentOf(t *testing.T) {
	agent := &Claims{Scope: "read"}
	user := &Claims{Scope: "read"}

	tests := []struct {
		name      string
		admission Admission
		want      *Claims
	}{
		{name: "unauthenticated", admission: Unauthenticated{ClientIP: "10.0.0.1"}, want: nil},
		{name: "agent only", admission: AgentOnly{Agent: agent}, want: agent},
		{name: "delegated", admission: Delegated{Agent: agent, User: user}, want: agent},
		{name: "nil", admission: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AgentOf(tt.admission); got != tt.want {
				t.Errorf("AgentOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithAdmission_RoundTrip(t *testing.T) {
	agent := &Claims{Scope: "read"}
	ctx := WithAdmission(context.Background(), AgentOnly{Agent: agent})

	got, ok := FromContext(ctx).(AgentOnly)
	if !ok {
		t.Fatalf("FromContext() = %T, want AgentOnly", FromContext(ctx))
	}
	if got.Agent != agent {
		t.Error("FromContext() returned different claims")
	}
	if AgentFromContext(ctx) != agent {
		t.Error("AgentFromContext() returned different claims")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("FromContext() on empty context should be nil")
	}
}

func TestMustAgentFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustAgentFromContext() should panic without an agent admission")
		}
	}()
	MustAgentFromContext(WithAdmission(context.Background(), Unauthenticated{}))
}
