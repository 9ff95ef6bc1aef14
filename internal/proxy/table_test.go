package proxy

import "testing"

func TestTableSetAndDeleteBinding(t *testing.T) {
	tbl := NewTable()

	b := Binding{
		Name:   "web",
		Target: Target{MachineName: "m1", Port: 80},
		Mode:   BindingMode{HTTPHost: &HTTPHostMode{Host: "example.com"}},
	}
	if _, had := tbl.SetBinding(b); had {
		t.Fatal("expected no previous binding")
	}

	got, ok := tbl.byHTTPHost("example.com")
	if !ok || got.Target.MachineName != "m1" {
		t.Fatalf("byHTTPHost: got %+v, ok=%v", got, ok)
	}

	prev, had := tbl.DeleteBinding("web")
	if !had || prev.Name != "web" {
		t.Fatalf("DeleteBinding: got %+v, had=%v", prev, had)
	}
	if _, ok := tbl.byHTTPHost("example.com"); ok {
		t.Fatal("binding still resolvable after delete")
	}
}

func TestTableSnapshotIsIndependentCopy(t *testing.T) {
	tbl := NewTable()
	tbl.SetBinding(Binding{Name: "a", Mode: BindingMode{TCP: &TCPMode{Port: 9000}}})

	snap := tbl.Snapshot()
	tbl.SetBinding(Binding{Name: "b", Mode: BindingMode{TCP: &TCPMode{Port: 9001}}})

	if len(snap) != 1 {
		t.Fatalf("snapshot mutated by later write: got %d entries", len(snap))
	}
}

func TestBindingListenerKeyDedicatedVsShared(t *testing.T) {
	cfg := Config{ListenAddr: "0.0.0.0", HTTPPort: 80, HTTPSPort: 443}

	internal := Binding{Mode: BindingMode{Internal: &InternalMode{ServiceIP: "10.0.0.5", ServicePort: 8080}}}
	key, ok := internal.listenerKey(cfg)
	if !ok || key != (ListenerKey{Addr: "10.0.0.5", Port: 8080}) || !internal.dedicated() {
		t.Fatalf("internal binding listener key: %+v ok=%v", key, ok)
	}

	httpBind := Binding{Mode: BindingMode{HTTPHost: &HTTPHostMode{Host: "a.example.com"}}}
	key, ok = httpBind.listenerKey(cfg)
	if !ok || key != (ListenerKey{Addr: "0.0.0.0", Port: 80}) || httpBind.dedicated() {
		t.Fatalf("http binding listener key: %+v ok=%v", key, ok)
	}

	tlsBind := Binding{Mode: BindingMode{TLSSNI: &TLSSNIMode{Host: "b.example.com"}}}
	key, ok = tlsBind.listenerKey(cfg)
	if !ok || key != (ListenerKey{Addr: "0.0.0.0", Port: 443}) {
		t.Fatalf("tls binding listener key: %+v ok=%v", key, ok)
	}
}
