// Package discovery finds the other nodes of a table on the local network
// through UDP multicast. Typical usage:
//
//	a := discovery.Announcement{Role: protocol.RoleVoter, Addrs: addrs}
//	if err := a.Sign(identity); err != nil {
//		return err
//	}
//	d := &discovery.Discover{Announcement: a, Group: "239.0.0.1:9999"}
//	if err := d.Start(); err != nil {
//		return err
//	}
//	defer d.Close()
//
//	for entry := range d.Entries {
//		connect(entry.Announcement.Addrs)
//	}
//
// Behavior:
//   - Announcements are signed with the node identity; unsigned or forged ones are dropped.
//   - A node filters its own announcements by peer id.
//   - Entries are delivered without blocking; a slow reader misses repeats, which arrive again on the next interval.
package discovery
