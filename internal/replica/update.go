package replica

import (
	"slices"

	"collabtext/realtime/internal/wire"
)

// updateVersion prefixes every encoded update.
const updateVersion byte = 1

const (
	flagGC      byte = 1 << 0
	flagDeleted byte = 1 << 1
)

func encodeItems(items []*item) []byte {
	sortItems(items)
	enc := wire.NewEncoder(2 + len(items)*16)
	_ = enc.WriteByte(updateVersion)
	enc.WriteUint(uint64(len(items)))
	for _, it := range items {
		enc.WriteUint(it.id.Client)
		enc.WriteUint(it.id.Clock)
		enc.WriteUint(it.lamport)
		var flags byte
		if it.gc {
			flags |= flagGC
		}
		if it.deleted {
			flags |= flagDeleted
		}
		_ = enc.WriteByte(flags)
		if it.gc {
			continue
		}
		enc.WriteString(it.key)
		if !it.deleted {
			enc.WriteBytes(it.value)
		}
	}
	return enc.Bytes()
}

func decodeUpdate(b []byte) ([]*item, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := wire.NewDecoder(b)
	version, _ := dec.ReadByte()
	if version != updateVersion {
		return nil, malformed("unsupported version %d", version)
	}
	n, err := dec.ReadUint()
	if err != nil {
		return nil, malformed("item count: %v", err)
	}
	if n > uint64(dec.Remaining()) {
		return nil, malformed("item count %d exceeds input", n)
	}
	items := make([]*item, 0, n)
	seen := make(map[ID]struct{}, n)
	for i := uint64(0); i < n; i++ {
		it, err := decodeItem(dec)
		if err != nil {
			return nil, malformed("item %d: %v", i, err)
		}
		if _, dup := seen[it.id]; dup {
			continue
		}
		seen[it.id] = struct{}{}
		items = append(items, it)
	}
	if dec.Remaining() != 0 {
		return nil, malformed("%d trailing bytes", dec.Remaining())
	}
	return items, nil
}

func decodeItem(dec *wire.Decoder) (*item, error) {
	var (
		it  item
		err error
	)
	if it.id.Client, err = dec.ReadUint(); err != nil {
		return nil, err
	}
	if it.id.Clock, err = dec.ReadUint(); err != nil {
		return nil, err
	}
	if it.lamport, err = dec.ReadUint(); err != nil {
		return nil, err
	}
	flags, err := dec.ReadByte()
	if err != nil {
		return nil, err
	}
	it.gc = flags&flagGC != 0
	if it.gc {
		return &it, nil
	}
	it.deleted = flags&flagDeleted != 0
	if it.key, err = dec.ReadString(); err != nil {
		return nil, err
	}
	if !it.deleted {
		value, err := dec.ReadBytes()
		if err != nil {
			return nil, err
		}
		it.value = append([]byte{}, value...)
	}
	return &it, nil
}

func encodeStateVector(next map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(next))
	for c := range next {
		clients = append(clients, c)
	}
	slices.Sort(clients)
	enc := wire.NewEncoder(1 + len(clients)*8)
	enc.WriteUint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteUint(c)
		enc.WriteUint(next[c])
	}
	return enc.Bytes()
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}
	dec := wire.NewDecoder(b)
	n, err := dec.ReadUint()
	if err != nil {
		return nil, malformed("state vector length: %v", err)
	}
	for i := uint64(0); i < n; i++ {
		c, err := dec.ReadUint()
		if err != nil {
			return nil, malformed("state vector client: %v", err)
		}
		clock, err := dec.ReadUint()
		if err != nil {
			return nil, malformed("state vector clock: %v", err)
		}
		sv[c] = clock
	}
	if dec.Remaining() != 0 {
		return nil, malformed("%d trailing state vector bytes", dec.Remaining())
	}
	return sv, nil
}
