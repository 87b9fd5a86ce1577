package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Serialize renders d into the wire payload carried inside an
// encrypted transport record, per the format:
//
//	[path_len u32][path bytes]
//	[chunk_count u32]
//	repeat chunk_count:
//	  [offset u64][length u64][has_data u8][data length bytes if has_data]
//	[compressed_flag u8][compression_algo_len u8][algo bytes]
//	[old_hash_len u8][old_hash bytes][new_hash_len u8][new_hash bytes]
//
// has_data is carried independent of length: an unchanged block keeps
// its real block length (the receiver needs it for offset bookkeeping
// on a growing/shrinking tail) but has no data bytes on the wire.
func Serialize(d *Delta) ([]byte, error) {
	var buf bytes.Buffer

	pathBytes := []byte(d.Path)
	if len(pathBytes) > 1<<32-1 {
		return nil, fmt.Errorf("delta: path too long")
	}
	writeU32(&buf, uint32(len(pathBytes)))
	buf.Write(pathBytes)

	writeU32(&buf, uint32(len(d.Chunks)))
	for _, b := range d.Chunks {
		writeU64(&buf, b.Offset)
		writeU64(&buf, b.Length)
		if b.Data != nil {
			buf.WriteByte(1)
			buf.Write(b.Data)
		} else {
			buf.WriteByte(0)
		}
	}

	var flag byte
	if d.Compressed {
		flag = 1
	}
	buf.WriteByte(flag)

	algoBytes := []byte(d.CompressionAlgo)
	if len(algoBytes) > 255 {
		return nil, fmt.Errorf("delta: compression_algo too long")
	}
	buf.WriteByte(byte(len(algoBytes)))
	buf.Write(algoBytes)

	if d.HasOldHash {
		buf.WriteByte(32)
		buf.Write(d.OldHash[:])
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(32)
	buf.Write(d.NewHash[:])

	return buf.Bytes(), nil
}

// Deserialize reverses Serialize. Each chunk's data bytes are read
// only when its has_data flag is set; Length is bookkeeping (the
// block's span in the reconstructed file) independent of whether data
// follows, so an unchanged block's real length survives the wire
// without desyncing the reader.
func Deserialize(raw []byte) (*Delta, error) {
	r := bytes.NewReader(raw)

	pathLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	path := make([]byte, pathLen)
	if _, err := readFull(r, path); err != nil {
		return nil, err
	}

	chunkCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	d := &Delta{Path: string(path)}
	d.Chunks = make([]Block, 0, chunkCount)
	for i := uint32(0); i < chunkCount; i++ {
		offset, err := readU64(r)
		if err != nil {
			return nil, err
		}
		length, err := readU64(r)
		if err != nil {
			return nil, err
		}
		hasData, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var data []byte
		if hasData != 0 {
			data = make([]byte, length)
			if _, err := readFull(r, data); err != nil {
				return nil, err
			}
		}
		d.Chunks = append(d.Chunks, Block{Offset: offset, Length: length, Data: data})
	}

	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	d.Compressed = flag != 0

	algoLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	algo := make([]byte, algoLen)
	if _, err := readFull(r, algo); err != nil {
		return nil, err
	}
	d.CompressionAlgo = string(algo)

	oldLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if oldLen > 0 {
		if oldLen != 32 {
			return nil, fmt.Errorf("delta: invalid old_hash length %d", oldLen)
		}
		if _, err := readFull(r, d.OldHash[:]); err != nil {
			return nil, err
		}
		d.HasOldHash = true
	}

	newLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if newLen != 32 {
		return nil, fmt.Errorf("delta: invalid new_hash length %d", newLen)
	}
	if _, err := readFull(r, d.NewHash[:]); err != nil {
		return nil, err
	}

	return d, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("delta: short read: got %d want %d", n, len(buf))
	}
	return n, nil
}
