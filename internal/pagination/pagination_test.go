package pagination

import "testing"

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		offset    int
		batch     int
		wantItems int
		wantNext  *int
	}{
		{name: "full batch plus extra row", total: 21, offset: 0, batch: 20, wantItems: 20, wantNext: intPtr(20)},
		{name: "exactly one batch", total: 20, offset: 0, batch: 20, wantItems: 20, wantNext: nil},
		{name: "partial last page", total: 5, offset: 20, batch: 20, wantItems: 5, wantNext: nil},
		{name: "empty", total: 0, offset: 0, batch: 20, wantItems: 0, wantNext: nil},
		{name: "user batch second page", total: 11, offset: 10, batch: 10, wantItems: 10, wantNext: intPtr(20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]int, tt.total)
			for i := range items {
				items[i] = i
			}
			got := Build(items, tt.offset, tt.batch)
			if len(got.Items) != tt.wantItems {
				t.Fatalf("items = %d, want %d", len(got.Items), tt.wantItems)
			}
			if (got.NextPage == nil) != (tt.wantNext == nil) {
				t.Fatalf("nextPage = %v, want %v", got.NextPage, tt.wantNext)
			}
			if got.NextPage != nil && *got.NextPage != *tt.wantNext {
				t.Fatalf("nextPage = %d, want %d", *got.NextPage, *tt.wantNext)
			}
		})
	}
}

// 25 сообщений: со смещения 0 уходит полный батч и указатель на следующую
// страницу, со смещения 20 — хвост из 5 без указателя.
func TestBuildTwoPageWalk(t *testing.T) {
	stored := make([]int, 25)
	for i := range stored {
		stored[i] = i
	}
	fetch := func(offset int) []int {
		end := offset + FetchLimit(MessageBatch)
		if end > len(stored) {
			end = len(stored)
		}
		return stored[offset:end]
	}

	first := Build(fetch(0), 0, MessageBatch)
	if len(first.Items) != 20 {
		t.Fatalf("first page items = %d, want 20", len(first.Items))
	}
	if first.NextPage == nil || *first.NextPage != 20 {
		t.Fatalf("first page nextPage = %v, want 20", first.NextPage)
	}

	second := Build(fetch(*first.NextPage), *first.NextPage, MessageBatch)
	if len(second.Items) != 5 {
		t.Fatalf("second page items = %d, want 5", len(second.Items))
	}
	if second.NextPage != nil {
		t.Fatalf("second page nextPage = %v, want nil", second.NextPage)
	}
}

func TestBuildNilItems(t *testing.T) {
	got := Build[string](nil, 0, 10)
	if got.Items == nil {
		t.Fatal("items must be non-nil for JSON encoding")
	}
	if got.NextPage != nil {
		t.Fatalf("nextPage = %v, want nil", got.NextPage)
	}
}

func TestClampOffset(t *testing.T) {
	if got := ClampOffset(40); got != 40 {
		t.Fatalf("ClampOffset(40) = %d", got)
	}
	if got := ClampOffset(-7); got != 0 {
		t.Fatalf("ClampOffset(-7) = %d, negative offsets clamp to 0", got)
	}
}

func TestFetchLimit(t *testing.T) {
	if got := FetchLimit(MessageBatch); got != 21 {
		t.Fatalf("FetchLimit(20) = %d", got)
	}
	if got := FetchLimit(UserBatch); got != 11 {
		t.Fatalf("FetchLimit(10) = %d", got)
	}
}

func intPtr(n int) *int { return &n }
