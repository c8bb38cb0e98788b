// Package discovery finds network-attached RF cards via mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceName is the mDNS service a card-side daemon advertises.
const ServiceName = "_rfhost._tcp"

// Card is one discovered card endpoint.
type Card struct {
	Instance  string // advertised name, e.g. "rfhost on sdr-lab-3"
	Hostname  string // DNS hostname: "sdr-lab-3.local."
	Addresses []net.IP
	Port      int
	TXT       []string // serial=..., part=... key/value pairs
}

// Addr returns a dialable host:port for the card, preferring the first
// resolved address over the hostname.
func (c Card) Addr() string {
	if len(c.Addresses) > 0 {
		return net.JoinHostPort(c.Addresses[0].String(), fmt.Sprint(c.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(c.Hostname, "."), fmt.Sprint(c.Port))
}

// Serial extracts the serial= TXT record, if the daemon published one.
func (c Card) Serial() string {
	for _, t := range c.TXT {
		if v, ok := strings.CutPrefix(t, "serial="); ok {
			return v
		}
	}
	return ""
}

// Browse performs a blocking mDNS browse for card daemons and returns
// deduplicated entries. The browse runs for the full timeout; cards
// answer at their own pace.
func Browse(ctx context.Context, timeout time.Duration) ([]Card, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Card)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				found[key] = Card{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceName, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}
	<-done

	out := make([]Card, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	return out, nil
}

// cleanInstance removes zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
