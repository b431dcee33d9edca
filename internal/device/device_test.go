package device

import (
	"bytes"
	"errors"
	"testing"
)

func TestDummyRoundTrip(t *testing.T) {
	d := NewDummy("dummy0")
	if d.Name() != "dummy0" {
		t.Fatalf("name %q", d.Name())
	}

	d.Inject([]byte("inbound"))
	buf := make([]byte, 64)
	n, err := d.ReadPacket(buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("inbound")) {
		t.Fatalf("got %q", buf[:n])
	}

	if err := d.WritePacket([]byte("outbound")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	got := <-d.Delivered()
	if !bytes.Equal(got, []byte("outbound")) {
		t.Fatalf("got %q", got)
	}
}

func TestDummyClose(t *testing.T) {
	d := NewDummy("dummy0")
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.ReadPacket(make([]byte, 16)); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if err := d.WritePacket([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	// A second close is harmless.
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
