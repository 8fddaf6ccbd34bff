package replication

import "errors"

var errLZFCorrupt = errors.New("lzf: corrupt input")

// lzfDecompress expands an LZF block, the compression Redis applies to long
// strings in RDB files, into exactly size bytes
func lzfDecompress(in []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)

	for i := 0; i < len(in); {
		ctrl := int(in[i])
		i++

		// Control values below 32 introduce a run of ctrl+1 literal bytes
		if ctrl < 32 {
			n := ctrl + 1
			if i+n > len(in) || len(out)+n > size {
				return nil, errLZFCorrupt
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		// Back reference: 3 bits of length, 13 bits of distance
		n := ctrl >> 5
		if n == 7 {
			if i >= len(in) {
				return nil, errLZFCorrupt
			}
			n += int(in[i])
			i++
		}
		n += 2

		if i >= len(in) {
			return nil, errLZFCorrupt
		}
		ref := len(out) - ((ctrl&0x1f)<<8 | int(in[i])) - 1
		i++

		if ref < 0 || len(out)+n > size {
			return nil, errLZFCorrupt
		}
		// Byte at a time: the source may overlap what is being written
		for j := 0; j < n; j++ {
			out = append(out, out[ref+j])
		}
	}

	if len(out) != size {
		return nil, errLZFCorrupt
	}
	return out, nil
}
