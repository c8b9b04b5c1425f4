package segment

import (
	"sync"
	"testing"
	"time"
)

func TestNewTable_LastWriteWins(t *testing.T) {
	tbl := NewTable([]Segment{
		{Path: "seg1.ts", URL: "https://a/seg1.js"},
		{Path: "key.bin", URL: "https://a/key.bin", Kind: KindKey},
		{Path: "seg1.ts", URL: "https://b/seg1.js"},
	}, "https://a/live.m3u8", "c=1")

	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
	if tbl.Entries["seg1.ts"] != "https://b/seg1.js" {
		t.Errorf("seg1.ts = %q, want later mapping", tbl.Entries["seg1.ts"])
	}
	if tbl.Source != "https://a/live.m3u8" || tbl.Cookie != "c=1" {
		t.Errorf("provenance not recorded: %+v", tbl)
	}
}

func TestStore_ReplaceDiscardsPreviousTable(t *testing.T) {
	s := NewStore(0, 0)

	s.Replace("", NewTable([]Segment{{Path: "old.ts", URL: "https://a/old.js"}}, "", ""))
	s.Replace("", NewTable([]Segment{{Path: "new.ts", URL: "https://a/new.js"}}, "", "k=v"))

	if _, ok := s.Lookup("", "old.ts"); ok {
		t.Error("stale entry survived replace")
	}
	if u, ok := s.Lookup("", "new.ts"); !ok || u != "https://a/new.js" {
		t.Errorf("Lookup(new.ts) = %q, %v", u, ok)
	}
	if s.Cookie("") != "k=v" {
		t.Errorf("Cookie() = %q", s.Cookie(""))
	}
}

func TestStore_Sessions(t *testing.T) {
	s := NewStore(4, time.Hour)

	s.Replace("one", NewTable([]Segment{{Path: "seg.ts", URL: "https://one/seg.js"}}, "", ""))
	s.Replace("two", NewTable([]Segment{{Path: "seg.ts", URL: "https://two/seg.js"}}, "", ""))

	if u, _ := s.Lookup("one", "seg.ts"); u != "https://one/seg.js" {
		t.Errorf("session one resolved to %q", u)
	}
	if u, _ := s.Lookup("two", "seg.ts"); u != "https://two/seg.js" {
		t.Errorf("session two resolved to %q", u)
	}
	if u, _ := s.Lookup("", "seg.ts"); u != "https://two/seg.js" {
		t.Errorf("current table resolved to %q, want most recent", u)
	}
	if u, _ := s.Lookup("unknown", "seg.ts"); u != "https://two/seg.js" {
		t.Errorf("unknown session resolved to %q, want current table", u)
	}
	if s.Sessions() != 2 {
		t.Errorf("Sessions() = %d, want 2", s.Sessions())
	}
}

func TestStore_SessionExpiry(t *testing.T) {
	s := NewStore(4, 50*time.Millisecond)
	s.Replace("old", NewTable([]Segment{{Path: "a.ts", URL: "https://old/a.js"}}, "", ""))
	s.Replace("", NewTable([]Segment{{Path: "a.ts", URL: "https://new/a.js"}}, "", ""))

	time.Sleep(150 * time.Millisecond)

	if u, _ := s.Lookup("old", "a.ts"); u != "https://new/a.js" {
		t.Errorf("expired session resolved to %q, want current table", u)
	}
}

func TestStore_ExportImport(t *testing.T) {
	src := NewStore(4, time.Hour)
	src.Replace("s1", NewTable([]Segment{{Path: "a.ts", URL: "https://x/a.js"}}, "https://x/live.m3u8", "c=1"))

	st := src.Export()
	if st.Current.Len() != 1 || len(st.Sessions) != 1 {
		t.Fatalf("Export() = %+v", st)
	}

	dst := NewStore(4, time.Hour)
	dst.Import(st)
	if u, ok := dst.Lookup("s1", "a.ts"); !ok || u != "https://x/a.js" {
		t.Errorf("imported Lookup = %q, %v", u, ok)
	}
	if dst.Current().Source != "https://x/live.m3u8" {
		t.Errorf("Source = %q", dst.Current().Source)
	}

	st.Current.Entries["a.ts"] = "mutated"
	if u, _ := src.Lookup("", "a.ts"); u != "https://x/a.js" {
		t.Error("Export must deep copy tables")
	}
}

func TestStore_ConcurrentReplaceAndLookup(t *testing.T) {
	s := NewStore(0, 0)
	a := NewTable([]Segment{{Path: "a.ts", URL: "A"}, {Path: "b.ts", URL: "A"}}, "", "")
	b := NewTable([]Segment{{Path: "a.ts", URL: "B"}, {Path: "b.ts", URL: "B"}}, "", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					s.Replace("", a)
				} else {
					s.Replace("", b)
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tbl := s.Current()
				if tbl.Entries["a.ts"] != tbl.Entries["b.ts"] {
					t.Error("observed a table mixing two manifests")
					return
				}
			}
		}()
	}
	wg.Wait()
}
