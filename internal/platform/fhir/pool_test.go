package fhir

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func countingFactory(calls *int32) ClientFactory {
	return func(cfg AuthConfig, limits ConnectionLimits) (*Client, error) {
		atomic.AddInt32(calls, 1)
		return NewClient(cfg, limits)
	}
}

func TestPoolReusesClientPerConnectionString(t *testing.T) {
	var calls int32
	pool := NewClientPool(countingFactory(&calls), DefaultConnectionLimits())

	a1, err := pool.Get("fhir://one.example.com/fhir")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a2, err := pool.Get("fhir://one.example.com/fhir")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := pool.Get("fhir://two.example.com/fhir")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if a1 != a2 {
		t.Error("same connection string must return the same client")
	}
	if a1 == b {
		t.Error("distinct connection strings must return distinct clients")
	}
	if calls != 2 {
		t.Errorf("factory called %d times, want 2", calls)
	}
	if pool.Size() != 2 {
		t.Errorf("Size() = %d, want 2", pool.Size())
	}
}

func TestPoolConcurrentFirstTouch(t *testing.T) {
	var calls int32
	pool := NewClientPool(countingFactory(&calls), DefaultConnectionLimits())

	const n = 16
	clients := make([]*Client, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Get("fhir://shared.example.com/fhir")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			clients[i] = c
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("factory called %d times under concurrent first touch, want 1", calls)
	}
	for i := 1; i < n; i++ {
		if clients[i] != clients[0] {
			t.Fatal("concurrent callers received different clients")
		}
	}
}

func TestPoolFailedCreationRetries(t *testing.T) {
	var calls int32
	failing := func(cfg AuthConfig, limits ConnectionLimits) (*Client, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return NewClient(cfg, limits)
	}
	pool := NewClientPool(failing, DefaultConnectionLimits())

	if _, err := pool.Get("fhir://flaky.example.com/fhir"); err == nil {
		t.Fatal("first Get should fail")
	}
	if _, err := pool.Get("fhir://flaky.example.com/fhir"); err != nil {
		t.Fatalf("second Get should retry and succeed, got %v", err)
	}
}

func TestPoolCloseAllIdempotent(t *testing.T) {
	pool := NewClientPool(nil, DefaultConnectionLimits())
	if _, err := pool.Get("fhir://one.example.com/fhir"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	pool.CloseAll()
	pool.CloseAll()
	if pool.Size() != 0 {
		t.Errorf("Size() = %d after CloseAll", pool.Size())
	}

	// The pool stays usable.
	if _, err := pool.Get("fhir://one.example.com/fhir"); err != nil {
		t.Fatalf("Get after CloseAll: %v", err)
	}
}

func TestManagerSourceRouting(t *testing.T) {
	m := NewConnectionManager(nil, DefaultConnectionLimits())
	if err := m.AddSource("epic", "fhir://epic.example.com/fhir"); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := m.AddSource("cerner", "fhir://cerner.example.com/fhir"); err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	// Empty name resolves to the first-registered source.
	name, err := m.ResolveSource("")
	if err != nil || name != "epic" {
		t.Errorf("ResolveSource(\"\") = %q, %v", name, err)
	}

	if _, err := m.Client("cerner"); err != nil {
		t.Errorf("Client(cerner): %v", err)
	}

	_, err = m.Client("unknown")
	ce, ok := AsConnectionError(err)
	if !ok || ce.Kind != KindUnknownSource {
		t.Errorf("Client(unknown) = %v, want UNKNOWN_SOURCE", err)
	}

	got := m.SourceNames()
	if len(got) != 2 || got[0] != "epic" || got[1] != "cerner" {
		t.Errorf("SourceNames() = %v", got)
	}
}

func TestManagerReAddKeepsOrder(t *testing.T) {
	m := NewConnectionManager(nil, DefaultConnectionLimits())
	m.AddSource("a", "fhir://a.example.com/fhir")
	m.AddSource("b", "fhir://b.example.com/fhir")
	if err := m.AddSource("a", "fhir://a2.example.com/fhir"); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	got := m.SourceNames()
	if len(got) != 2 || got[0] != "a" {
		t.Errorf("SourceNames() = %v, re-add must keep position", got)
	}
	src, _ := m.ResolveSource("a")
	if src != "a" {
		t.Errorf("ResolveSource(a) = %q", src)
	}
}

func TestManagerRejectsBadSource(t *testing.T) {
	m := NewConnectionManager(nil, DefaultConnectionLimits())
	if err := m.AddSource("", "fhir://a.example.com/fhir"); err == nil {
		t.Error("empty name should be rejected")
	}
	err := m.AddSource("bad", "http://a.example.com/fhir")
	ce, ok := AsConnectionError(err)
	if !ok || ce.Kind != KindInvalidConnectionString {
		t.Errorf("err = %v, want INVALID_CONNECTION_STRING", err)
	}
}

func TestManagerNoSources(t *testing.T) {
	m := NewConnectionManager(nil, DefaultConnectionLimits())
	if _, err := m.Client(""); err == nil {
		t.Error("Client with no sources should fail")
	}
}

func TestManagerStatus(t *testing.T) {
	m := NewConnectionManager(nil, DefaultConnectionLimits())
	m.AddSource("epic", "fhir://epic.example.com/fhir")
	if _, err := m.Client("epic"); err != nil {
		t.Fatalf("Client: %v", err)
	}

	st := m.Status()
	if !st.PoolingEnabled {
		t.Error("PoolingEnabled should always be true")
	}
	if st.ActiveClients != 1 {
		t.Errorf("ActiveClients = %d", st.ActiveClients)
	}
	if st.MaxConnections != 100 || st.MaxKeepalive != 20 {
		t.Errorf("limits = %+v", st)
	}
	if len(st.Sources) != 1 || st.Sources[0] != "epic" {
		t.Errorf("Sources = %v", st.Sources)
	}
}
