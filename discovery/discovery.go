package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/luca-patrignani/mental-craps/protocol"
)

const (
	DefaultGroup    = "239.0.0.1:9999"
	DefaultInterval = 2 * time.Second
	maxDatagram     = 8 * 1024
)

// Announcement is the signed table entry a node multicasts: who it is, its
// role at the table and the transport addresses it listens on.
type Announcement struct {
	Peer      protocol.PeerID `json:"peer"`
	Role      protocol.Role   `json:"role"`
	Addrs     []string        `json:"addrs"`
	Signature []byte          `json:"sig,omitempty"`
}

func (a *Announcement) signingBytes() ([]byte, error) {
	c := *a
	c.Signature = nil
	msg, err := protocol.Marshal(c)
	if err != nil {
		return nil, err
	}
	return append([]byte("announcement\x00"), msg...), nil
}

func (a *Announcement) Sign(id *protocol.Identity) error {
	a.Peer = id.ID()
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	a.Signature = id.Sign(msg)
	return nil
}

func (a *Announcement) Verify() error {
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	return protocol.Verify(a.Peer, msg, a.Signature)
}

// Entry is a verified announcement and the time it was received.
type Entry struct {
	Announcement Announcement
	Time         time.Time
}

// Discover announces a signed entry on a multicast group and reports the
// entries of other nodes. Configure Announcement (signed), Group and
// IntervalBetweenAnnouncements before calling Start; entries then arrive
// on Entries.
type Discover struct {
	Announcement                 Announcement
	Group                        string
	IntervalBetweenAnnouncements time.Duration
	Logger                       *slog.Logger
	Entries                      chan Entry

	conn     *net.UDPConn
	sendConn *net.UDPConn
	payload  []byte
	done     chan struct{}
	wg       sync.WaitGroup
}

// Start joins the multicast group and starts announcing and listening.
func (d *Discover) Start() error {
	if d.Group == "" {
		d.Group = DefaultGroup
	}
	if d.IntervalBetweenAnnouncements <= 0 {
		d.IntervalBetweenAnnouncements = DefaultInterval
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if err := d.Announcement.Verify(); err != nil {
		return fmt.Errorf("announcement: %w", err)
	}
	payload, err := protocol.Marshal(d.Announcement)
	if err != nil {
		return err
	}
	d.payload = payload
	d.Entries = make(chan Entry, 16)
	d.done = make(chan struct{})

	addr, err := net.ResolveUDPAddr("udp", d.Group)
	if err != nil {
		return err
	}
	d.conn, err = net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	d.sendConn, err = net.DialUDP("udp", nil, addr)
	if err != nil {
		d.conn.Close()
		return err
	}
	d.wg.Add(2)
	go d.listen()
	go d.announce()
	return nil
}

// Close stops both loops and closes the connections.
func (d *Discover) Close() error {
	close(d.done)
	err := errors.Join(d.conn.Close(), d.sendConn.Close())
	d.wg.Wait()
	return err
}

func (d *Discover) listen() {
	defer d.wg.Done()
	buffer := make([]byte, maxDatagram)
	for {
		n, _, err := d.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.Logger.Warn("discovery read failed", "err", err)
			continue
		}
		var a Announcement
		if err := protocol.Unmarshal(buffer[:n], &a); err != nil {
			continue
		}
		if a.Peer == d.Announcement.Peer {
			continue
		}
		if err := a.Verify(); err != nil {
			d.Logger.Debug("dropping unsigned announcement", "peer", a.Peer.Short(), "err", err)
			continue
		}
		select {
		case d.Entries <- Entry{Announcement: a, Time: time.Now()}:
		default:
		}
	}
}

func (d *Discover) announce() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.IntervalBetweenAnnouncements)
	defer ticker.Stop()
	for {
		if _, err := d.sendConn.Write(d.payload); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.Logger.Warn("discovery announce failed", "err", err)
		}
		select {
		case <-ticker.C:
		case <-d.done:
			return
		}
	}
}
