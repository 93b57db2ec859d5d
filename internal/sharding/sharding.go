package sharding

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// ShardCount is the fixed number of partitions a topic is split into.
const ShardCount = 1024

// GetShardID calculates the deterministic shard for a partition key.
func GetShardID(key string) int {
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int(checksum % ShardCount)
}

// SubjectRoot maps a topic to a single subject token so that a topic and its
// dead-letter topic never share a subject space.
func SubjectRoot(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

// StreamName returns the JetStream stream backing a topic.
func StreamName(topic string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(topic))
}

// Subject returns the subject for one message.
// Format: {topic_root}.{shard_id}.{key}
func Subject(topic, key string) string {
	return fmt.Sprintf("%s.%d.%s", SubjectRoot(topic), GetShardID(key), keyToken(key))
}

// Wildcard matches every subject of a topic.
func Wildcard(topic string) string {
	return SubjectRoot(topic) + ".>"
}

func keyToken(key string) string {
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, key)
}
