// Package discovery finds DLNA renderers via SSDP multicast search.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	ssdpAddr = "239.255.255.250:1900"
	// Bound one port off the SSDP standard so the bridge coexists with
	// system SSDP daemons on the same host.
	listenPort = 1910

	searchTarget = "ssdp:all"
)

var searchMessage = strings.Join([]string{
	"M-SEARCH * HTTP/1.1",
	"HOST: " + ssdpAddr,
	"MAN: \"ssdp:discover\"",
	"MX: 10",
	"ST: " + searchTarget,
	"",
	"",
}, "\r\n")

// Discoverer runs the periodic M-SEARCH loop and reports each distinct
// description LOCATION once.
type Discoverer struct {
	onLocation     func(location string)
	searchInterval time.Duration
	staticLocation string

	seen map[string]struct{}
}

// New creates a discoverer delivering locations to onLocation. A non-empty
// staticLocation skips multicast entirely and is delivered once.
func New(onLocation func(string), searchInterval time.Duration, staticLocation string) *Discoverer {
	return &Discoverer{
		onLocation:     onLocation,
		searchInterval: searchInterval,
		staticLocation: staticLocation,
		seen:           make(map[string]struct{}),
	}
}

// Run binds the multicast socket and starts the search and receive loops.
// It returns an error only when binding fails; that is fatal to discovery
// but not to devices already known.
func (d *Discoverer) Run(ctx context.Context) error {
	if d.staticLocation != "" {
		log.Printf("SSDP: static location configured, skipping discovery")
		d.deliver(d.staticLocation)
		return nil
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return fmt.Errorf("ssdp bind :%d: %w", listenPort, err)
	}

	group, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		conn.Close()
		return err
	}

	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
		log.Printf("SSDP: join group failed: %v", err)
	}
	if err := packetConn.SetMulticastTTL(4); err != nil {
		log.Printf("SSDP: set ttl failed: %v", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go d.searchLoop(ctx, conn, group)
	go d.receiveLoop(ctx, conn)

	log.Printf("SSDP: discovery listening on :%d", listenPort)
	return nil
}

func (d *Discoverer) searchLoop(ctx context.Context, conn net.PacketConn, group *net.UDPAddr) {
	ticker := time.NewTicker(d.searchInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteTo([]byte(searchMessage), group); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("SSDP: search send failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) receiveLoop(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("SSDP: read failed: %v", err)
			return
		}
		if location := ParseLocation(string(buf[:n])); location != "" {
			d.deliver(location)
		}
	}
}

func (d *Discoverer) deliver(location string) {
	if _, ok := d.seen[location]; ok {
		return
	}
	d.seen[location] = struct{}{}
	d.onLocation(location)
}

// ParseLocation extracts the LOCATION header from an SSDP datagram. The
// status line is discarded and header names are matched case-insensitively.
func ParseLocation(raw string) string {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	if scanner.Scan() {
		// status line
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(parts[0])) == "location" {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}
