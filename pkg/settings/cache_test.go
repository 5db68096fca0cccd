package settings

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	data      map[string]string
	getCalls  int
	failSet   bool
	setCalled bool
}

func (f *fakeStore) GetSettings(ctx context.Context) (map[string]string, error) {
	f.getCalls++
	cp := make(map[string]string, len(f.data))
	for k, v := range f.data {
		cp[k] = v
	}
	return cp, nil
}

func (f *fakeStore) SetSetting(ctx context.Context, key, value string) error {
	f.setCalled = true
	if f.failSet {
		return errors.New("store unavailable")
	}
	if f.data == nil {
		f.data = make(map[string]string)
	}
	f.data[key] = value
	return nil
}

func TestCacheGetLoadsOnceThenReusesSnapshot(t *testing.T) {
	store := &fakeStore{data: map[string]string{"tts_provider": "lokutor"}}
	c := New(store)

	got, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["tts_provider"] != "lokutor" {
		t.Fatalf("unexpected snapshot: %v", got)
	}

	c.Get(context.Background())
	c.Get(context.Background())
	if store.getCalls != 1 {
		t.Errorf("expected store.GetSettings called once, got %d", store.getCalls)
	}
}

func TestCacheGetReturnsDefensiveCopy(t *testing.T) {
	store := &fakeStore{data: map[string]string{"k": "v"}}
	c := New(store)

	got, _ := c.Get(context.Background())
	got["k"] = "mutated"

	fresh, _ := c.Get(context.Background())
	if fresh["k"] != "v" {
		t.Errorf("expected cache unaffected by mutation of returned copy")
	}
}

func TestCacheSetUpdatesSnapshotWithoutReread(t *testing.T) {
	store := &fakeStore{data: map[string]string{}}
	c := New(store)
	c.Get(context.Background())

	if err := c.Set(context.Background(), "stt_provider", "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := c.Get(context.Background())
	if got["stt_provider"] != "openai" {
		t.Errorf("expected set value reflected immediately, got %v", got)
	}
	if store.getCalls != 1 {
		t.Errorf("expected no extra reload after Set, got %d get calls", store.getCalls)
	}
}

func TestCacheSetFailureInvalidatesCache(t *testing.T) {
	store := &fakeStore{data: map[string]string{"k": "v"}, failSet: true}
	c := New(store)
	c.Get(context.Background())

	if err := c.Set(context.Background(), "k", "new"); err == nil {
		t.Fatal("expected error from failing store")
	}

	store.failSet = false
	store.data["k"] = "v-reloaded"
	got, _ := c.Get(context.Background())
	if got["k"] != "v-reloaded" {
		t.Errorf("expected cache invalidated and reloaded after Set failure, got %v", got)
	}
	if store.getCalls != 2 {
		t.Errorf("expected a fresh reload after invalidation, got %d get calls", store.getCalls)
	}
}

func TestCacheInvalidateForcesReread(t *testing.T) {
	store := &fakeStore{data: map[string]string{"k": "v1"}}
	c := New(store)
	c.Get(context.Background())

	store.data["k"] = "v2"
	c.Invalidate()

	got, _ := c.Get(context.Background())
	if got["k"] != "v2" {
		t.Errorf("expected reread after invalidate to see v2, got %v", got)
	}
	if store.getCalls != 2 {
		t.Errorf("expected exactly 2 loads, got %d", store.getCalls)
	}
}
