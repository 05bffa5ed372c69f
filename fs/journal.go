package fs

import (
	"encoding/binary"
	"hash/crc32"

	"gokern/defs"
	"gokern/ksync"
	"gokern/ksyslimit"
)

// Journal is an ext3-style write-ahead metadata journal: a circular log
// of filesystem blocks, a single in-memory superblock, and at most one
// active transaction at a time. The block-type split (descriptor, data,
// commit) follows biscuit's fs blktype_t convention, filled out into a
// full descriptor/commit on-disk layout.
type Journal struct {
	lock  ksync.Spinlock_t
	disk  Disk
	jdev  Device // device holding the journal area
	fsDev Device // device the logged metadata blocks live on
	home  *Cache // filesystem block cache, written back at checkpoint

	sb        superblock
	head      uint32 // next free log slot, relative to sb.First
	active    *txn
	maxBlocks int // cap on one transaction's dirty-block count
}

// defaultMaxTxnBlocks is used when OpenJournal is handed a nil Limits_t
// (tests, and any caller that doesn't care about the cap).
const defaultMaxTxnBlocks = 256

const (
	journalMagic uint32 = 0xb19cee01
	descType     uint32 = 1
	commitType   uint32 = 2
	flagClean    uint32 = 1
)

// superblock is the on-disk journal header: seven uint32 fields, the
// magic big-endian and the rest native-endian. Start is
// a journal-block index: 0 means no live transaction (the superblock
// itself occupies journal block 0, so no transaction can start there),
// otherwise it names the first live transaction's descriptor block.
type superblock struct {
	Magic     uint32
	BlockSize uint32
	Maxlen    uint32
	First     uint32
	Sequence  uint32
	Start     uint32
	Flags     uint32
}

// txn is the single active transaction's private working set: up to
// maxBlocks dirty metadata-block copies.
type txn struct {
	seq    uint32
	blocks []txnBlock
}

type txnBlock struct {
	blocknr uint32
	data    []byte
}

// encodeSuperblock serializes sb: magic written big-endian (4 raw
// bytes), remaining fields in host/native order -- gokern's native
// order is little-endian, matching the x86_64 target this whole kernel
// assumes.
func encodeSuperblock(sb superblock) []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.BlockSize)
	binary.LittleEndian.PutUint32(buf[8:12], sb.Maxlen)
	binary.LittleEndian.PutUint32(buf[12:16], sb.First)
	binary.LittleEndian.PutUint32(buf[16:20], sb.Sequence)
	binary.LittleEndian.PutUint32(buf[20:24], sb.Start)
	binary.LittleEndian.PutUint32(buf[24:28], sb.Flags)
	return buf
}

func decodeSuperblock(buf []byte) superblock {
	return superblock{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		BlockSize: binary.LittleEndian.Uint32(buf[4:8]),
		Maxlen:    binary.LittleEndian.Uint32(buf[8:12]),
		First:     binary.LittleEndian.Uint32(buf[12:16]),
		Sequence:  binary.LittleEndian.Uint32(buf[16:20]),
		Start:     binary.LittleEndian.Uint32(buf[20:24]),
		Flags:     binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// encodeDescriptor builds the descriptor block for blocks, tagging the
// last tag's flags bit 0 to mark the end of the tag list.
func encodeDescriptor(seq uint32, blocks []txnBlock) []byte {
	buf := make([]byte, BSIZE)
	binary.BigEndian.PutUint32(buf[0:4], journalMagic)
	binary.LittleEndian.PutUint32(buf[4:8], descType)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(blocks)))
	off := 16
	for i, b := range blocks {
		flags := uint32(0)
		if i == len(blocks)-1 {
			flags = 1
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], b.blocknr)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], flags)
		off += 8
	}
	return buf
}

func decodeDescriptor(buf []byte) (seq uint32, tags []uint32, ok bool) {
	if binary.BigEndian.Uint32(buf[0:4]) != journalMagic {
		return 0, nil, false
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != descType {
		return 0, nil, false
	}
	seq = binary.LittleEndian.Uint32(buf[8:12])
	count := binary.LittleEndian.Uint32(buf[12:16])
	off := 16
	tags = make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8 > len(buf) {
			return 0, nil, false
		}
		tags = append(tags, binary.LittleEndian.Uint32(buf[off:off+4]))
		off += 8
	}
	return seq, tags, true
}

func checksumBlocks(blocks [][]byte) uint32 {
	var sum uint32
	for _, b := range blocks {
		sum ^= crc32.ChecksumIEEE(b)
	}
	return sum
}

func encodeCommit(seq, checksum uint32) []byte {
	buf := make([]byte, BSIZE)
	binary.BigEndian.PutUint32(buf[0:4], journalMagic)
	binary.LittleEndian.PutUint32(buf[4:8], commitType)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], checksum)
	return buf
}

func decodeCommit(buf []byte) (seq, checksum uint32, ok bool) {
	if binary.BigEndian.Uint32(buf[0:4]) != journalMagic {
		return 0, 0, false
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != commitType {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(buf[8:12]), binary.LittleEndian.Uint32(buf[12:16]), true
}

func (j *Journal) readJournalBlock(slot uint32) []byte {
	sector := int(j.sb.First) + int(slot%j.sb.Maxlen)
	b, _ := j.home.start1(j.jdev, sector)
	return b
}

func (j *Journal) writeJournalBlock(slot uint32, data []byte) {
	sector := int(j.sb.First) + int(slot%j.sb.Maxlen)
	req := &Request{Cmd: CmdWrite, Key: Key{Dev: j.jdev, Sector: sector}, Data: data, Ack: make(chan struct{})}
	if j.disk.Start(req) {
		<-req.Ack
	}
}

// flush issues a write barrier to the journal device, the sync steps of
// the commit protocol (descriptor -> data -> sync -> commit -> sync).
func (j *Journal) flush() {
	req := &Request{Cmd: CmdFlush, Key: Key{Dev: j.jdev}, Ack: make(chan struct{})}
	if j.disk.Start(req) {
		<-req.Ack
	}
}

// start1 is a synchronous single-block read helper used by the journal;
// it bypasses the cache's table (Cache.Get's miss path issues its own
// read request).
func (d *Cache) start1(dev Device, sector int) ([]byte, defs.Err_t) {
	buf := make([]byte, BSIZE)
	req := &Request{Cmd: CmdRead, Key: Key{Dev: dev, Sector: sector}, Data: buf, Ack: make(chan struct{})}
	if d.disk.Start(req) {
		<-req.Ack
	}
	return buf, 0
}

// OpenJournal reads the journal superblock from jdev and, if it was left
// dirty, runs recovery before returning, replaying logged metadata to its
// home blocks on fsDev through the home cache. limits' JournalMaxBlks
// bounds how many distinct blocks one transaction may log; limits may be
// nil, in which case defaultMaxTxnBlocks applies.
func OpenJournal(disk Disk, jdev, fsDev Device, home *Cache, limits *ksyslimit.Limits_t) (*Journal, defs.Err_t) {
	maxBlocks := defaultMaxTxnBlocks
	if limits != nil && limits.JournalMaxBlks > 0 {
		maxBlocks = limits.JournalMaxBlks
	}
	j := &Journal{disk: disk, jdev: jdev, fsDev: fsDev, home: home, maxBlocks: maxBlocks}
	raw, _ := home.start1(jdev, 0)
	j.sb = decodeSuperblock(raw)
	if j.sb.Magic != journalMagic || j.sb.Maxlen == 0 {
		return nil, -defs.EINVAL
	}

	if j.sb.Flags&flagClean == 0 && j.sb.Start != 0 {
		if err := j.recover(); err != 0 {
			return nil, err
		}
	}
	return j, 0
}

// InitJournal formats a fresh, clean journal superblock at jdev's block 0
// and writes it to disk -- used by the image-building tooling rather than
// at kernel runtime. first is the journal-block index of the first log
// slot (at least 1; block 0 holds the superblock itself), maxlen the log
// length in blocks.
func InitJournal(disk Disk, jdev Device, home *Cache, first, maxlen uint32) defs.Err_t {
	if first == 0 || maxlen == 0 {
		return -defs.EINVAL
	}
	sb := superblock{
		Magic:     journalMagic,
		BlockSize: BSIZE,
		Maxlen:    maxlen,
		First:     first,
		Sequence:  1,
		Start:     0,
		Flags:     flagClean,
	}
	req := &Request{Cmd: CmdWrite, Key: Key{Dev: jdev, Sector: 0}, Data: encodeSuperblock(sb), Ack: make(chan struct{})}
	if disk.Start(req) {
		<-req.Ack
	}
	return 0
}

// Begin implements begin: at most one active transaction.
func (j *Journal) Begin() defs.Err_t {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.active != nil {
		return -defs.EBUSY
	}
	j.active = &txn{seq: j.sb.Sequence}
	return 0
}

// LogBlock records data as the "after" image of filesystem block blocknr
// within the active transaction. Re-logging a block already present in
// this transaction refreshes its copy in place instead of appending a
// second entry.
func (j *Journal) LogBlock(blocknr uint32, data []byte) defs.Err_t {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.active == nil {
		return -defs.EINVAL
	}
	cp := make([]byte, BSIZE)
	copy(cp, data)
	for i := range j.active.blocks {
		if j.active.blocks[i].blocknr == blocknr {
			j.active.blocks[i].data = cp
			return 0
		}
	}
	if len(j.active.blocks) >= j.maxBlocks {
		return -defs.ENOMEM
	}
	j.active.blocks = append(j.active.blocks, txnBlock{blocknr: blocknr, data: cp})
	return 0
}

// Commit writes descriptor, data blocks, sync, commit block, sync --
// then advances the on-disk superblock's start (first live transaction)
// and sequence and clears the clean flag. The log is append-only until
// checkpoint: each commit lands at the in-memory head, past any earlier
// uncheckpointed transaction.
func (j *Journal) Commit() defs.Err_t {
	j.lock.Lock()
	t := j.active
	if t == nil {
		j.lock.Unlock()
		return -defs.EINVAL
	}
	j.active = nil
	if len(t.blocks) == 0 {
		j.lock.Unlock()
		return 0
	}
	descSlot := j.head
	j.head = descSlot + 1 + uint32(len(t.blocks)) + 1
	firstLive := j.sb.Start == 0
	j.lock.Unlock()

	j.writeJournalBlock(descSlot, encodeDescriptor(t.seq, t.blocks))

	raws := make([][]byte, len(t.blocks))
	for i, b := range t.blocks {
		j.writeJournalBlock(descSlot+1+uint32(i), b.data)
		raws[i] = b.data
	}
	j.flush()

	commitSlot := descSlot + 1 + uint32(len(t.blocks))
	j.writeJournalBlock(commitSlot, encodeCommit(t.seq, checksumBlocks(raws)))
	j.flush()

	j.lock.Lock()
	if firstLive {
		j.sb.Start = j.sb.First + descSlot
	}
	j.sb.Sequence = t.seq + 1
	j.sb.Flags &^= flagClean
	j.lock.Unlock()
	j.writeSuperblock()
	return 0
}

// Checkpoint writes the transaction's blocks to their home locations
// through the filesystem block cache, then resets start to 0 and marks
// the journal clean.
func (j *Journal) Checkpoint(blocks map[uint32][]byte) defs.Err_t {
	for blocknr, data := range blocks {
		b, err := j.home.Get(j.fsDev, int(blocknr))
		if err != 0 {
			return err
		}
		copy(b.Data, data)
		b.MarkDirty()
		b.Release()
	}
	j.home.Sync()

	j.lock.Lock()
	j.sb.Start = 0
	j.sb.Flags |= flagClean
	j.head = 0
	j.lock.Unlock()
	j.writeSuperblock()
	return 0
}

// Abort discards the active transaction's private copies without
// touching the on-disk log.
func (j *Journal) Abort() {
	j.lock.Lock()
	j.active = nil
	j.lock.Unlock()
}

func (j *Journal) writeSuperblock() {
	j.lock.Lock()
	data := encodeSuperblock(j.sb)
	j.lock.Unlock()
	req := &Request{Cmd: CmdWrite, Key: Key{Dev: j.jdev, Sector: 0}, Data: data, Ack: make(chan struct{})}
	if j.disk.Start(req) {
		<-req.Ack
	}
}

// recover scans the log from start, replaying each valid complete
// transaction to its home blocks,
// stopping at the first invalid or incomplete one, then forcing the
// result to disk and marking the journal clean. The first descriptor
// found at start supplies the expected sequence; each subsequent
// transaction must carry the next sequence number, which is how the scan
// distinguishes live transactions from stale log tails.
func (j *Journal) recover() defs.Err_t {
	pos := j.sb.Start - j.sb.First
	var lastSeq uint32
	replayed := false

	for {
		descRaw := j.readJournalBlock(pos)
		seq, tags, ok := decodeDescriptor(descRaw)
		if !ok {
			break
		}
		if replayed && seq != lastSeq+1 {
			break
		}

		dataBlocks := make([][]byte, len(tags))
		for i := range tags {
			dataBlocks[i] = j.readJournalBlock(pos + 1 + uint32(i))
		}

		commitRaw := j.readJournalBlock(pos + 1 + uint32(len(tags)))
		commitSeq, checksum, ok := decodeCommit(commitRaw)
		if !ok || commitSeq != seq || checksum != checksumBlocks(dataBlocks) {
			break
		}

		for i, blocknr := range tags {
			b, err := j.home.Get(j.fsDev, int(blocknr))
			if err != 0 {
				return err
			}
			copy(b.Data, dataBlocks[i])
			b.MarkDirty()
			b.Release()
		}

		lastSeq = seq
		replayed = true
		pos = pos + 1 + uint32(len(tags)) + 1
	}

	j.home.Sync()
	j.flush()
	j.sb.Start = 0
	if replayed {
		j.sb.Sequence = lastSeq + 1
	}
	j.sb.Flags |= flagClean
	j.head = 0
	j.writeSuperblock()
	return 0
}
