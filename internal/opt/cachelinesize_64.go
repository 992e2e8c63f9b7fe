//go:build rhash_cachelinesize_64

package opt

const CacheLineSize_ = 64
