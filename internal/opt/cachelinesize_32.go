//go:build rhash_cachelinesize_32

package opt

const CacheLineSize_ = 32
