// Package fec implements the XOR single-loss forward error correction code.
//
// The encoder XORs group_size consecutive audio payloads into one parity
// payload and emits it at the group boundary. The decoder buffers data and
// parity per group; once a group holds its parity and all data packets but
// one, the missing payload is the XOR of everything else.
//
// Groups are addressed by group_id = seq / group_size (modular), so the
// covered base sequence is group_id * group_size even across the 2^32 wrap.
package fec

// MaxGroupSize bounds a group to the 32 bits of the wire mask.
const MaxGroupSize = 32

// maxRetainedGroups bounds decoder memory: groups older than this many group
// ids behind the newest are discarded as unrecoverable.
const maxRetainedGroups = 8

// Recovered is a payload reconstructed from parity.
type Recovered struct {
	Seq     uint32
	Payload []byte
}

// Encoder accumulates consecutive audio payloads and emits XOR parity at
// group boundaries. Owned by the sender task; not safe for concurrent use.
type Encoder struct {
	groupSize int
	parity    []byte
	mask      uint32
	count     int
	groupID   uint32
	active    bool
}

// NewEncoder returns an encoder with the given group size, clamped to
// [1, MaxGroupSize].
func NewEncoder(groupSize int) *Encoder {
	if groupSize < 1 {
		groupSize = 1
	}
	if groupSize > MaxGroupSize {
		groupSize = MaxGroupSize
	}
	return &Encoder{groupSize: groupSize}
}

// GroupSize returns the configured group size.
func (e *Encoder) GroupSize() int { return e.groupSize }

// Add folds one audio payload into the current group. When the group
// completes it returns (groupID, mask, parity, true); the parity slice is
// owned by the encoder and valid until the next Add.
//
// Payloads within a group normally share one length; if they differ (codec
// with variable frames), parity is sized to the longest and short payloads
// are implicitly zero-padded, which XOR round-trips exactly.
func (e *Encoder) Add(seq uint32, payload []byte) (groupID, mask uint32, parity []byte, ready bool) {
	idx := int(seq % uint32(e.groupSize))
	if !e.active || idx == 0 {
		// Group boundary (or first packet mid-group after a reset).
		e.groupID = seq / uint32(e.groupSize)
		e.parity = e.parity[:0]
		e.mask = 0
		e.count = 0
		e.active = true
	}

	if len(payload) > len(e.parity) {
		for len(e.parity) < len(payload) {
			e.parity = append(e.parity, 0)
		}
	}
	for i, b := range payload {
		e.parity[i] ^= b
	}
	e.mask |= 1 << uint(idx)
	e.count++

	if idx == e.groupSize-1 {
		e.active = false
		return e.groupID, e.mask, e.parity, true
	}
	return 0, 0, nil, false
}

// Reset discards any partially accumulated group.
func (e *Encoder) Reset() { e.active = false }

// group is the decoder-side state for one FEC group.
type group struct {
	have      uint32 // bitmap of data packets received
	payloads  [MaxGroupSize][]byte
	parity    []byte
	mask      uint32
	hasParity bool
}

// Decoder reconstructs single losses from buffered data + parity packets.
// Owned by the receiver task; not safe for concurrent use.
type Decoder struct {
	groupSize int
	groups    map[uint32]*group
	newest    uint32
	started   bool

	recoveredCount uint64
	failedCount    uint64
}

// NewDecoder returns a decoder expecting the given group size.
func NewDecoder(groupSize int) *Decoder {
	if groupSize < 1 {
		groupSize = 1
	}
	if groupSize > MaxGroupSize {
		groupSize = MaxGroupSize
	}
	return &Decoder{groupSize: groupSize, groups: make(map[uint32]*group)}
}

// GroupSize returns the group size the decoder expects.
func (d *Decoder) GroupSize() int { return d.groupSize }

// RecoveredCount returns how many payloads parity has reconstructed.
func (d *Decoder) RecoveredCount() uint64 { return d.recoveredCount }

// UnrecoverableCount returns how many groups were discarded with ≥2 losses.
func (d *Decoder) UnrecoverableCount() uint64 { return d.failedCount }

// AddData records a received audio payload and returns a recovery if this
// packet completes a group missing exactly one member. The payload is copied.
func (d *Decoder) AddData(seq uint32, payload []byte) *Recovered {
	gid := seq / uint32(d.groupSize)
	g := d.get(gid)
	if g == nil {
		return nil
	}
	idx := seq % uint32(d.groupSize)
	if g.have&(1<<idx) != 0 {
		return nil // duplicate
	}
	g.have |= 1 << idx
	g.payloads[idx] = append([]byte(nil), payload...)
	return d.tryRecover(gid, g)
}

// AddParity records a received parity packet and returns a recovery if the
// group is now missing exactly one member. The parity payload is copied.
func (d *Decoder) AddParity(groupID, mask uint32, parity []byte) *Recovered {
	g := d.get(groupID)
	if g == nil {
		return nil
	}
	g.parity = append([]byte(nil), parity...)
	g.mask = mask
	g.hasParity = true
	return d.tryRecover(groupID, g)
}

// get returns the state for gid, evicting groups that fell too far behind.
func (d *Decoder) get(gid uint32) *group {
	if !d.started {
		d.started = true
		d.newest = gid
	}
	if int32(gid-d.newest) > 0 {
		d.newest = gid
	} else if uint32(d.newest-gid) > maxRetainedGroups {
		return nil // too old to matter
	}
	g, ok := d.groups[gid]
	if !ok {
		g = &group{}
		d.groups[gid] = g
	}
	for old := range d.groups {
		if uint32(d.newest-old) > maxRetainedGroups {
			if d.incomplete(d.groups[old]) {
				d.failedCount++
			}
			delete(d.groups, old)
		}
	}
	return g
}

// incomplete reports whether g still had unrecovered covered losses.
func (d *Decoder) incomplete(g *group) bool {
	if !g.hasParity {
		return false
	}
	missing := g.mask &^ g.have
	return missing != 0
}

// tryRecover reconstructs the single missing payload if possible. Fully
// received groups are released immediately.
func (d *Decoder) tryRecover(gid uint32, g *group) *Recovered {
	if !g.hasParity {
		return nil
	}
	missing := g.mask &^ g.have
	if missing == 0 {
		delete(d.groups, gid) // nothing to repair
		return nil
	}
	if missing&(missing-1) != 0 {
		return nil // ≥2 losses: wait, maybe more data arrives
	}

	// Exactly one covered packet missing: XOR parity with the held payloads
	// the mask covers. Payloads outside the mask (a group the encoder began
	// mid-way) are not part of the parity equation.
	out := append([]byte(nil), g.parity...)
	for i := 0; i < d.groupSize; i++ {
		if g.have&(1<<uint(i)) == 0 || g.mask&(1<<uint(i)) == 0 {
			continue
		}
		for j, b := range g.payloads[i] {
			if j < len(out) {
				out[j] ^= b
			}
		}
	}

	var idx uint32
	for missing>>idx != 1 {
		idx++
	}
	seq := gid*uint32(d.groupSize) + idx
	delete(d.groups, gid)
	d.recoveredCount++
	return &Recovered{Seq: seq, Payload: out}
}
