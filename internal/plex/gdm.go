package plex

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
)

// GDM (G'Day Mate) is Plex's LAN discovery protocol. The bridge answers
// player searches on the multicast group and sends a HELLO for each
// renderer it starts bridging.
const (
	gdmGroup      = "239.0.0.250"
	gdmHelloPort  = 32413
	gdmSearchPort = 32412
)

// GDMResponder announces every registered renderer as a Plex player.
type GDMResponder struct {
	registry *dlna.Registry
	id       Identity
	httpPort int

	conn net.PacketConn
}

// NewGDMResponder creates the responder; renderers are read from the
// registry at answer time.
func NewGDMResponder(registry *dlna.Registry, id Identity, httpPort int) *GDMResponder {
	return &GDMResponder{
		registry: registry,
		id:       id,
		httpPort: httpPort,
	}
}

// Run binds the GDM search port and answers M-SEARCH until ctx is done.
func (g *GDMResponder) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", gdmSearchPort))
	if err != nil {
		return fmt.Errorf("gdm bind :%d: %w", gdmSearchPort, err)
	}
	g.conn = conn

	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.JoinGroup(nil, &net.UDPAddr{IP: net.ParseIP(gdmGroup)}); err != nil {
		log.Printf("GDM: join group failed: %v", err)
	}
	if err := packetConn.SetMulticastTTL(255); err != nil {
		log.Printf("GDM: set ttl failed: %v", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go g.receiveLoop(ctx)

	log.Printf("GDM: answering searches on :%d", gdmSearchPort)
	return nil
}

func (g *GDMResponder) receiveLoop(ctx context.Context) {
	buf := make([]byte, 1024)
	for {
		n, addr, err := g.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("GDM: read failed: %v", err)
			return
		}
		if !strings.HasPrefix(string(buf[:n]), "M-SEARCH * HTTP/1.") {
			continue
		}
		if udp, ok := addr.(*net.UDPAddr); ok && udp.IP.IsLoopback() {
			continue
		}
		for _, d := range g.registry.List() {
			msg := "HTTP/1.0 200 OK\n" + g.clientData(d)
			if _, err := g.conn.WriteTo([]byte(msg), addr); err != nil {
				log.Printf("GDM: answer to %s failed: %v", addr, err)
			}
		}
	}
}

// Announce sends an unsolicited HELLO for a renderer to the multicast
// group.
func (g *GDMResponder) Announce(d *dlna.Device) {
	if g.conn == nil {
		return
	}
	dst := &net.UDPAddr{IP: net.ParseIP(gdmGroup), Port: gdmHelloPort}
	msg := "HELLO * HTTP/1.0\n" + g.clientData(d)
	if _, err := g.conn.WriteTo([]byte(msg), dst); err != nil {
		log.Printf("GDM: hello for %s failed: %v", d.Name, err)
	}
}

func (g *GDMResponder) clientData(d *dlna.Device) string {
	var b strings.Builder
	write := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	write("Name", d.Name)
	write("Port", fmt.Sprintf("%d", g.httpPort))
	write("Content-Type", "plex/media-player")
	write("Product", d.Model)
	write("Protocol", "plex")
	write("Protocol-Version", "1")
	write("Protocol-Capabilities", "timeline,playback,playqueues")
	write("Version", g.id.PlatformVersion)
	write("Resource-Identifier", d.UUID)
	write("Updated-At", fmt.Sprintf("%d", time.Now().Unix()))
	write("Device-Class", "stb")
	return b.String()
}
