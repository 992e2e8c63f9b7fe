package rhash

import (
	"fmt"
	"hash/maphash"
	"reflect"
	"strings"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

type (
	// HashFunc hashes the key stored at ptr.
	HashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr
	// EqualFunc compares the keys stored at ptr and other.
	EqualFunc func(ptr unsafe.Pointer, other unsafe.Pointer) bool
)

// ByteHasher hashes the raw memory of a key. It backs the default hash of
// strings and of key types without pointers or padding.
type ByteHasher interface {
	Name() string
	Sum(b []byte, seed uint64) uint64
	SumString(s string, seed uint64) uint64
}

var (
	// XXH3 is the default ByteHasher.
	XXH3 ByteHasher = xxh3Hasher{}
	// XXHash64 hashes with seeded XXH64.
	XXHash64 ByteHasher = xxhash64Hasher{}
	// Murmur3 hashes with the 64-bit half of MurmurHash3 x64/128.
	Murmur3 ByteHasher = murmur3Hasher{}
)

// ByteHasherByName resolves "xxh3", "xxhash" and "murmur3".
func ByteHasherByName(name string) (ByteHasher, error) {
	switch strings.ToLower(name) {
	case "", "xxh3":
		return XXH3, nil
	case "xxhash", "xxhash64", "xxh64":
		return XXHash64, nil
	case "murmur3", "murmur":
		return Murmur3, nil
	}
	return nil, fmt.Errorf("unknown hash %q: %w", name, ErrInvalidConfig)
}

type xxh3Hasher struct{}

func (xxh3Hasher) Name() string { return "xxh3" }

func (xxh3Hasher) Sum(b []byte, seed uint64) uint64 {
	return xxh3.HashSeed(b, seed)
}

func (xxh3Hasher) SumString(s string, seed uint64) uint64 {
	return xxh3.HashStringSeed(s, seed)
}

type xxhash64Hasher struct{}

func (xxhash64Hasher) Name() string { return "xxhash" }

func (xxhash64Hasher) Sum(b []byte, seed uint64) uint64 {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.Write(b)
	return d.Sum64()
}

func (xxhash64Hasher) SumString(s string, seed uint64) uint64 {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.WriteString(s)
	return d.Sum64()
}

type murmur3Hasher struct{}

func (murmur3Hasher) Name() string { return "murmur3" }

func (murmur3Hasher) Sum(b []byte, seed uint64) uint64 {
	return murmur3.Sum64WithSeed(b, uint32(seed^seed>>32))
}

func (murmur3Hasher) SumString(s string, seed uint64) uint64 {
	return murmur3.Sum64WithSeed(unsafe.Slice(unsafe.StringData(s), len(s)), uint32(seed^seed>>32))
}

// defaultKeyHasher picks the hash of K:
//   - strings hash their bytes with bh
//   - keys whose memory has no pointers and no padding hash their raw
//     bytes with bh, consistent with == on those types
//   - everything else goes through hash/maphash
func defaultKeyHasher[K comparable](bh ByteHasher) func(K, uintptr) uintptr {
	if reflect.TypeFor[K]().Kind() == reflect.String {
		return func(key K, seed uintptr) uintptr {
			return uintptr(bh.SumString(*(*string)(unsafe.Pointer(&key)), uint64(seed)))
		}
	}
	if size, ok := plainKeySize(reflect.TypeFor[K]()); ok {
		return func(key K, seed uintptr) uintptr {
			b := unsafe.Slice((*byte)(unsafe.Pointer(&key)), size)
			return uintptr(bh.Sum(b, uint64(seed)))
		}
	}
	ms := maphash.MakeSeed()
	return func(key K, seed uintptr) uintptr {
		return uintptr(mix64(maphash.Comparable(ms, key) ^ uint64(seed)))
	}
}

// plainKeySize reports the size of t when == on t is byte equality of its
// memory: no pointers, no padding, no floats.
func plainKeySize(t reflect.Type) (uintptr, bool) {
	if t == nil {
		return 0, false
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr:
		return t.Size(), true
	case reflect.Array:
		if t.Len() == 0 {
			return 0, true
		}
		if _, ok := plainKeySize(t.Elem()); !ok {
			return 0, false
		}
		return t.Size(), true
	case reflect.Struct:
		var sum uintptr
		for i := range t.NumField() {
			f := t.Field(i)
			if f.Name == "_" {
				return 0, false
			}
			n, ok := plainKeySize(f.Type)
			if !ok || f.Offset != sum {
				return 0, false
			}
			sum += n
		}
		return t.Size(), sum == t.Size()
	}
	return 0, false
}

// mix64 is the splitmix64 finalizer.
func mix64(h uint64) uint64 {
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}

// IHashFunc lets a key type provide its own hash. It is used when no
// hasher is configured with WithKeyHasher.
//
//	type UserID struct {
//		ID     int64
//		Tenant string
//	}
//
//	func (u *UserID) HashFunc(seed uintptr) uintptr {
//		return uintptr(u.ID) ^ seed
//	}
type IHashFunc interface {
	HashFunc(seed uintptr) uintptr
}

func parseKeyInterface[K comparable]() func(K, uintptr) uintptr {
	var k *K
	if _, ok := any(k).(IHashFunc); ok {
		return func(key K, seed uintptr) uintptr {
			return any(&key).(IHashFunc).HashFunc(seed)
		}
	}
	return nil
}
