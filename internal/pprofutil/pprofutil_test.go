package pprofutil

import "testing"

func TestLoopbackAddr(t *testing.T) {
	loopback := []string{"127.0.0.1:6060", "localhost:6060", "[::1]:6060"}
	for _, addr := range loopback {
		if !loopbackAddr(addr) {
			t.Fatalf("loopbackAddr(%q) = false", addr)
		}
	}
	public := []string{"0.0.0.0:6060", "192.168.1.10:6060", "bad-addr", ""}
	for _, addr := range public {
		if loopbackAddr(addr) {
			t.Fatalf("loopbackAddr(%q) = true", addr)
		}
	}
}

func TestStartRefusesPublicBind(t *testing.T) {
	if err := Start("0.0.0.0:0", false); err == nil {
		t.Fatal("public bind accepted without override")
	}
}
