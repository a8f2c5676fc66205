package respcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"time"
)

// Fingerprint hashes inputs into a 32-character hex digest. Each input is
// written as a type tag, a length and its canonical bytes, so the result
// depends on order and type: ("ab", "c") and ("a", "bc") differ, as do
// 1 and "1".
func Fingerprint(inputs ...any) string {
	h := sha256.New()
	for _, in := range inputs {
		tag, data := canonical(in)
		writeField(h, tag, data)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:32]
}

func writeField(h hash.Hash, tag byte, data []byte) {
	var hdr [9]byte
	hdr[0] = tag
	binary.BigEndian.PutUint64(hdr[1:], uint64(len(data)))
	h.Write(hdr[:])
	h.Write(data)
}

func canonical(v any) (byte, []byte) {
	switch x := v.(type) {
	case nil:
		return 'n', nil
	case string:
		return 's', []byte(x)
	case []byte:
		return 'b', x
	case bool:
		return 't', []byte(strconv.FormatBool(x))
	case int:
		return 'i', []byte(strconv.FormatInt(int64(x), 10))
	case int8:
		return 'i', []byte(strconv.FormatInt(int64(x), 10))
	case int16:
		return 'i', []byte(strconv.FormatInt(int64(x), 10))
	case int32:
		return 'i', []byte(strconv.FormatInt(int64(x), 10))
	case int64:
		return 'i', []byte(strconv.FormatInt(x, 10))
	case uint:
		return 'u', []byte(strconv.FormatUint(uint64(x), 10))
	case uint8:
		return 'u', []byte(strconv.FormatUint(uint64(x), 10))
	case uint16:
		return 'u', []byte(strconv.FormatUint(uint64(x), 10))
	case uint32:
		return 'u', []byte(strconv.FormatUint(uint64(x), 10))
	case uint64:
		return 'u', []byte(strconv.FormatUint(x, 10))
	case float32:
		return 'f', []byte(strconv.FormatFloat(float64(x), 'g', -1, 32))
	case float64:
		return 'f', []byte(strconv.FormatFloat(x, 'g', -1, 64))
	case time.Duration:
		return 'd', []byte(strconv.FormatInt(int64(x), 10))
	case time.Time:
		return 'T', []byte(x.UTC().Format(time.RFC3339Nano))
	case fmt.Stringer:
		return 'S', []byte(x.String())
	default:
		// encoding/json sorts map keys, which keeps maps deterministic.
		data, err := json.Marshal(x)
		if err != nil {
			return 'e', []byte(fmt.Sprintf("%T:%v", x, x))
		}
		return 'j', data
	}
}
