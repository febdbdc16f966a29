package envelope

import (
	"crypto/md5"
	"math/big"
)

// Partition assigns a partition for a key: MD5 of the UTF-8 bytes,
// interpreted as a big-endian unsigned integer, modulo the partition count.
// The hash is stable across languages and process restarts, so producers in
// different runtimes agree on placement.
func Partition(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	sum := md5.Sum([]byte(key))
	n := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(n, big.NewInt(int64(partitions))).Int64())
}
