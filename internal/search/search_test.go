package search

import (
	"context"
	"testing"
)

func TestKeywordRanksByOverlap(t *testing.T) {
	k := NewKeyword()
	k.Add("ch1", "the harbor was quiet under the winter fog")
	k.Add("ch2", "the harbor erupted as the smugglers scattered into the fog")
	k.Add("ch3", "a recipe for barley soup")

	got, err := k.Similar(context.Background(), "n1", "smugglers in the harbor fog", 2)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results: %+v", got)
	}
	if got[0].Source != "ch2" {
		t.Fatalf("best match should rank first, got %+v", got)
	}
	for _, s := range got {
		if s.Source == "ch3" {
			t.Fatalf("irrelevant passage returned: %+v", got)
		}
	}
}

func TestKeywordEmptyQuery(t *testing.T) {
	k := NewKeyword()
	k.Add("ch1", "anything")
	got, err := k.Similar(context.Background(), "n1", "", 3)
	if err != nil || got != nil {
		t.Fatalf("empty query: %v %v", got, err)
	}
	got, err = k.Similar(context.Background(), "n1", "anything", 0)
	if err != nil || got != nil {
		t.Fatalf("zero limit: %v %v", got, err)
	}
}
