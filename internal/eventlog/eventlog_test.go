package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nestfolio/nestfolio/internal/events"
)

func TestPublishAndRecent(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	ctx := context.Background()

	now := time.Now()
	recs := []events.Record{
		{Seq: 1, CallID: "call-a", Name: "NftCreated", Time: now, Data: json.RawMessage(`{"nft_id":1}`)},
		{Seq: 2, CallID: "call-a", Name: "FeesReceived", Time: now, Data: json.RawMessage(`{}`)},
		{Seq: 3, CallID: "call-b", Name: "NftBurned", Time: now, Data: json.RawMessage(`{"nft_id":1}`)},
	}
	if err := l.Publish(ctx, recs); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := l.Recent(ctx, Filter{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if string(got[2].Data) != `{"nft_id":1}` {
		t.Fatalf("data=%s", got[2].Data)
	}

	byCall, err := l.Recent(ctx, Filter{CallID: "call-a"})
	if err != nil || len(byCall) != 2 {
		t.Fatalf("by call: %d %v", len(byCall), err)
	}
	byName, err := l.Recent(ctx, Filter{Name: "NftBurned", Limit: 1})
	if err != nil || len(byName) != 1 || byName[0].CallID != "call-b" {
		t.Fatalf("by name: %+v %v", byName, err)
	}

	seq, err := l.LastSeq(ctx)
	if err != nil || seq != 3 {
		t.Fatalf("LastSeq=%d %v", seq, err)
	}

	// 重复序号写入失败，整批回滚
	if err := l.Publish(ctx, []events.Record{{Seq: 4, CallID: "c", Name: "x", Time: now, Data: json.RawMessage(`{}`)}, {Seq: 3, CallID: "c", Name: "x", Time: now, Data: json.RawMessage(`{}`)}}); err == nil {
		t.Fatalf("expected duplicate seq error")
	}
	if seq, _ := l.LastSeq(ctx); seq != 3 {
		t.Fatalf("partial batch committed, LastSeq=%d", seq)
	}
}
