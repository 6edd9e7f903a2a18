package netmon

import (
	"context"
	"errors"
	"testing"
)

type transportFunc func(ctx context.Context, endpoint string) ([]byte, error)

func (f transportFunc) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return f(ctx, endpoint)
}

func TestStatic_Transitions(t *testing.T) {
	s := NewStatic(true)

	var seen []bool
	unsubscribe := s.OnStatusChange(func(online bool) { seen = append(seen, online) })

	s.SetOnline(true) // no transition
	s.SetOnline(false)
	s.SetOnline(false) // no transition
	s.SetOnline(true)

	if !s.IsOnline() {
		t.Error("IsOnline() = false, want true")
	}
	if len(seen) != 2 || seen[0] != false || seen[1] != true {
		t.Errorf("transitions = %v, want [false true]", seen)
	}

	unsubscribe()
	s.SetOnline(false)
	if len(seen) != 2 {
		t.Error("callback fired after unsubscribe")
	}
}

func TestProbe_CheckNow(t *testing.T) {
	online := true
	tr := transportFunc(func(context.Context, string) ([]byte, error) {
		if online {
			return []byte("ok"), nil
		}
		return nil, errors.New("connection refused")
	})

	p := NewProbe(tr, ProbeConfig{})

	var seen []bool
	p.OnStatusChange(func(o bool) { seen = append(seen, o) })

	if !p.CheckNow(context.Background()) {
		t.Error("CheckNow() = false, want true while reachable")
	}

	online = false
	if p.CheckNow(context.Background()) {
		t.Error("CheckNow() = true, want false while unreachable")
	}
	if p.IsOnline() {
		t.Error("IsOnline() = true after failed probe")
	}

	online = true
	if !p.CheckNow(context.Background()) {
		t.Error("CheckNow() = false after recovery")
	}

	if len(seen) != 2 || seen[0] != false || seen[1] != true {
		t.Errorf("transitions = %v, want [false true]", seen)
	}
}

func TestProbe_EndpointDefault(t *testing.T) {
	var gotEndpoint string
	tr := transportFunc(func(_ context.Context, endpoint string) ([]byte, error) {
		gotEndpoint = endpoint
		return []byte("ok"), nil
	})

	p := NewProbe(tr, ProbeConfig{})
	p.CheckNow(context.Background())

	if gotEndpoint != "/health" {
		t.Errorf("endpoint = %q, want /health", gotEndpoint)
	}
}
