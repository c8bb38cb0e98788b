package discovery

import (
	"net"
	"testing"
)

func TestCardAddrPrefersResolvedAddress(t *testing.T) {
	c := Card{
		Hostname:  "sdr-lab-3.local.",
		Addresses: []net.IP{net.IPv4(192, 168, 1, 40)},
		Port:      4810,
	}
	if got := c.Addr(); got != "192.168.1.40:4810" {
		t.Fatalf("Addr() = %q", got)
	}

	c.Addresses = nil
	if got := c.Addr(); got != "sdr-lab-3.local:4810" {
		t.Fatalf("Addr() without addresses = %q", got)
	}
}

func TestCardSerialFromTXT(t *testing.T) {
	c := Card{TXT: []string{"part=X4", "serial=8N44XQ"}}
	if got := c.Serial(); got != "8N44XQ" {
		t.Fatalf("Serial() = %q", got)
	}
	if got := (Card{}).Serial(); got != "" {
		t.Fatalf("Serial() on empty card = %q", got)
	}
}

func TestCleanInstance(t *testing.T) {
	if got := cleanInstance(`rfhost\ on\ sdr-lab-3`); got != "rfhost on sdr-lab-3" {
		t.Fatalf("cleanInstance = %q", got)
	}
}
