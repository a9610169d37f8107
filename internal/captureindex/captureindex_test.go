package captureindex

import (
	"strings"
	"testing"
	"time"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

func sampleExchanges() []model.Exchange {
	now := time.Now()
	return []model.Exchange{
		{ID: "1", Seq: 1, Method: "GET", URL: "https://a.test/x", Timestamp: now,
			Response: &model.Response{Status: 200}},
		{ID: "2", Seq: 2, Method: "POST", URL: "https://ads.test/y", Timestamp: now,
			Response: &model.Response{Status: 404}},
		{ID: "3", Seq: 3, Method: "GET", URL: "https://a.test/z", Timestamp: now, Dropped: true},
	}
}

func TestRebuildAndIDsOrderedBySeq(t *testing.T) {
	idx, err := Open(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Rebuild(sampleExchanges()); err != nil {
		t.Fatal(err)
	}

	ids, err := idx.IDs(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[2] != "3" {
		t.Fatalf("got %v, want seq-ordered [1 2 3]", ids)
	}
}

func TestIDsFilterByMethodAndHost(t *testing.T) {
	idx, err := Open(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Rebuild(sampleExchanges()); err != nil {
		t.Fatal(err)
	}

	ids, err := idx.IDs(Filter{MethodEquals: "GET"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d GET ids, want 2", len(ids))
	}

	ids, err = idx.IDs(Filter{HostContains: "ads.test"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "2" {
		t.Fatalf("got %v, want [2]", ids)
	}
}

func TestIDsFilterStatusAndDropped(t *testing.T) {
	idx, err := Open(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Rebuild(sampleExchanges()); err != nil {
		t.Fatal(err)
	}

	ids, err := idx.IDs(Filter{StatusAtLeast: 400})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "2" {
		t.Fatalf("got %v, want [2]", ids)
	}

	ids, err = idx.IDs(Filter{ExcludeDropped: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if id == "3" {
			t.Fatalf("dropped exchange 3 leaked through ExcludeDropped filter: %v", ids)
		}
	}
}

func TestAppendUpsertsSingleRow(t *testing.T) {
	idx, err := Open(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ex := model.Exchange{ID: "99", Seq: 9, Method: "GET", URL: "https://solo.test/p", Timestamp: time.Now()}
	idx.Append(ex)

	ids, err := idx.IDs(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "99" {
		t.Fatalf("got %v, want [99]", ids)
	}

	ex.Response = &model.Response{Status: 500}
	idx.Append(ex)
	ids, err = idx.IDs(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("Append of same id should upsert, not duplicate: got %v", ids)
	}
}

// Exclusion-rule retroactive purge is implemented by rebuilding the index
// from a filtered exchange slice, rather than a row-level delete query, so
// the index always reflects exactly what the caller decided to keep.
func TestRebuildDropsExcludedRows(t *testing.T) {
	idx, err := Open(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	all := sampleExchanges()
	if err := idx.Rebuild(all); err != nil {
		t.Fatal(err)
	}

	kept := make([]model.Exchange, 0, len(all))
	for _, ex := range all {
		if !strings.Contains(ex.URL, "ads.test") {
			kept = append(kept, ex)
		}
	}
	if err := idx.Rebuild(kept); err != nil {
		t.Fatal(err)
	}

	ids, err := idx.IDs(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != len(kept) {
		t.Fatalf("got %d remaining ids, want %d", len(ids), len(kept))
	}
}
