package redis

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantRole   string
		wantStats  map[string]float64
		wantFields map[string]string
	}{
		{
			name:     "master with memory and clients",
			input:    "# Server\r\nredis_version:7.2.4\r\n# Clients\r\nconnected_clients:12\r\n# Memory\r\nused_memory:1048576\r\nmaxmemory:108000000\r\nmem_fragmentation_ratio:1.25\r\n# Replication\r\nrole:master\r\nconnected_slaves:2\r\n",
			wantRole: "master",
			wantStats: map[string]float64{
				"connected_clients":       12,
				"used_memory":             1048576,
				"maxmemory":               108000000,
				"mem_fragmentation_ratio": 1.25,
				"connected_slaves":        2,
			},
			wantFields: map[string]string{"redis_version": "7.2.4"},
		},
		{
			name:       "replica with link status",
			input:      "# Replication\r\nrole:slave\r\nmaster_host:10.0.0.1\r\nmaster_port:6379\r\nmaster_link_status:down\r\n",
			wantRole:   "slave",
			wantStats:  map[string]float64{"master_port": 6379},
			wantFields: map[string]string{"master_host": "10.0.0.1", "master_link_status": "down"},
		},
		{
			name:      "keyspace lines",
			input:     "# Keyspace\r\ndb0:keys=42,expires=3,avg_ttl=0\r\n",
			wantStats: map[string]float64{"db0_keys": 42, "db0_expires": 3, "db0_avg_ttl": 0},
		},
		{
			name:      "plain newlines and garbage",
			input:     "role:master\nnot a field\nkeyspace_hits:10\n",
			wantRole:  "master",
			wantStats: map[string]float64{"keyspace_hits": 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseInfo(tt.input)

			if info.Role() != tt.wantRole {
				t.Errorf("expected role %q, got %q", tt.wantRole, info.Role())
			}
			for k, want := range tt.wantStats {
				if got, ok := info.Stats[k]; !ok || got != want {
					t.Errorf("stat %s: expected %v, got %v (present=%v)", k, want, got, ok)
				}
			}
			for k, want := range tt.wantFields {
				if got := info.Fields[k]; got != want {
					t.Errorf("field %s: expected %q, got %q", k, want, got)
				}
			}
		})
	}
}

func TestInfo_MemoryRatio(t *testing.T) {
	info := ParseInfo("used_memory:90\r\nmaxmemory:100\r\n")
	ratio, ok := info.MemoryRatio()
	if !ok || ratio != 0.9 {
		t.Errorf("expected 0.9, got %v (ok=%v)", ratio, ok)
	}

	if _, ok := ParseInfo("used_memory:90\r\nmaxmemory:0\r\n").MemoryRatio(); ok {
		t.Error("expected no ratio without maxmemory")
	}
}

func TestProber_Unreachable(t *testing.T) {
	// Порт, на котором никто не слушает
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	p := NewProber(200*time.Millisecond, "")
	start := time.Now()
	if _, err := p.Probe(context.Background(), addr); err == nil {
		t.Fatal("expected error for closed port")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe took %s, connect timeout not enforced", elapsed)
	}
}
