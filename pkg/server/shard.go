package server

// MaxShards is the number of engine shards supported.
const MaxShards = 2

// ShardForSymbol maps a symbol to an engine shard by its first letter:
// A through M on shard 0, N through Z on shard 1. Symbols that are empty or
// start with a non-letter land on shard 0, as do all symbols when only one
// shard is running.
func ShardForSymbol(symbol string, numShards int) int {
	if numShards <= 1 || symbol == "" {
		return 0
	}
	c := symbol[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	if c < 'A' || c > 'Z' {
		return 0
	}
	if c <= 'M' {
		return 0
	}
	return 1
}
