package fs

import "sync"

// fakeDisk is an in-memory Disk for tests, standing in for a real
// AHCI/NVMe driver.
type fakeDisk struct {
	mu      sync.Mutex
	sectors map[Key][]byte
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{sectors: make(map[Key][]byte)}
}

func (d *fakeDisk) Start(req *Request) bool {
	d.mu.Lock()
	switch req.Cmd {
	case CmdRead:
		if data, ok := d.sectors[req.Key]; ok {
			copy(req.Data, data)
		}
	case CmdWrite:
		buf := make([]byte, len(req.Data))
		copy(buf, req.Data)
		d.sectors[req.Key] = buf
	case CmdFlush:
	}
	d.mu.Unlock()
	close(req.Ack)
	return true
}

func (d *fakeDisk) Stats() string { return "fakeDisk" }
