package sharding

import (
	"fmt"
	"strings"
	"testing"
)

func TestGetShardID(t *testing.T) {
	tests := []struct {
		key  string
		want int
	}{
		{"user-1", 532},
		{"user-2", 942},
		{"todo-abc", 748},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := GetShardID(tt.key); got != tt.want {
				t.Errorf("GetShardID(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("tasks", "user-1"); got != "tasks.532.user-1" {
		t.Errorf("Subject = %v", got)
	}
	if got := Subject("users.dlq", "a.b"); !strings.HasPrefix(got, "users_dlq.") || !strings.HasSuffix(got, ".a_b") {
		t.Errorf("Subject = %v", got)
	}
	if got := Subject("tasks", ""); !strings.HasSuffix(got, "._") {
		t.Errorf("Subject with empty key = %v", got)
	}
}

func TestStreamNameAndWildcard(t *testing.T) {
	if got := StreamName("users-stream.dlq"); got != "USERS_STREAM_DLQ" {
		t.Errorf("StreamName = %v", got)
	}
	if got := Wildcard("users.dlq"); got != "users_dlq.>" {
		t.Errorf("Wildcard = %v", got)
	}
	if Wildcard("users") == Wildcard("users.dlq") {
		t.Error("topic and dead-letter topic share a subject space")
	}
}

func TestDistribution(t *testing.T) {
	distribution := make(map[int]int)
	for i := 0; i < 1000; i++ {
		distribution[GetShardID(fmt.Sprintf("key-%d", i))]++
	}

	if len(distribution) < 100 {
		t.Errorf("Sharding distribution is too poor. Only %d unique shards used for 1000 keys", len(distribution))
	}
}
