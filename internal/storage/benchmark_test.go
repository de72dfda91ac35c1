package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// BenchmarkMarkViewed measures ledger writes with and without eviction
func BenchmarkMarkViewed(b *testing.B) {
	for _, limit := range []int{50, 500, 5000} {
		b.Run(fmt.Sprintf("Limit_%d", limit), func(b *testing.B) {
			store, err := NewStorage(Config{DataDir: b.TempDir(), ViewedLimit: limit})
			require.NoError(b, err)
			defer store.Shutdown(context.Background())

			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := store.MarkViewed(ctx, fmt.Sprintf("msg-%d", i)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkHistory measures appending and listing pause history
func BenchmarkHistory(b *testing.B) {
	store, err := NewStorage(Config{DataDir: b.TempDir()})
	require.NoError(b, err)
	defer store.Shutdown(context.Background())

	ctx := context.Background()
	agent := proto.AgentRef{AccountId: "acme", AgentId: "agent-1"}
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	b.Run("Append", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			record := &proto.HistoryRecord{
				RequestId: fmt.Sprintf("req-%d", i),
				AccountId: agent.AccountId,
				AgentId:   agent.AgentId,
				Status:    proto.RequestStatus_APPROVED,
				Ts:        timestamppb.New(base.Add(time.Duration(i) * time.Second)),
			}
			if err := store.Append(ctx, record); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("List", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := store.List(ctx, agent, 50); err != nil {
				b.Fatal(err)
			}
		}
	})
}
