package storage_test

import (
	"context"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/services/cache/storage"
	"github.com/louisbranch/cacheline/internal/services/cache/storage/storagetest"
)

func TestMemoryConformance(t *testing.T) {
	storagetest.RunAdapterConformance(t, func(*testing.T) storage.Adapter {
		return storage.NewMemory()
	})
}

func TestMemoryHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := storage.NewMemory().Set(ctx, "k", storage.RawEntry{Data: 1}); err == nil {
		t.Fatal("expected cancelled context error")
	}
}

func TestKeyIsInjective(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{
		{"a", "b:c"},
		{"a:b", "c"},
		{`a\`, ":b"},
		{`a`, `\:b`},
		{"", "a:b"},
		{"a", ""},
	}
	seen := map[string][2]string{}
	for _, pair := range pairs {
		key := storage.Key(pair[0], pair[1])
		if prev, ok := seen[key]; ok {
			t.Fatalf("Key(%q, %q) collides with Key(%q, %q): %q", pair[0], pair[1], prev[0], prev[1], key)
		}
		seen[key] = pair
		if !strings.HasPrefix(key, storage.NamespacePrefix(pair[0])) {
			t.Fatalf("Key(%q, %q) = %q lacks namespace prefix", pair[0], pair[1], key)
		}
	}
	if strings.HasPrefix(storage.Key("a:b", "c"), storage.NamespacePrefix("a")) {
		t.Fatal("namespace a prefix must not cover namespace a:b")
	}
}

func TestEncodeEntryTuple(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry storage.RawEntry
		want  string
	}{
		{name: "full", entry: storage.RawEntry{Data: map[string]any{"a": 1}, ExpireAt: time.UnixMilli(1500), Tag: "t"}, want: `[{"a":1},1500,"t"]`},
		{name: "never expires untagged", entry: storage.RawEntry{Data: "x"}, want: `["x",null,null]`},
		{name: "numeric tag", entry: storage.RawEntry{Data: true, Tag: 3}, want: `[true,null,3]`},
		{name: "placeholder", entry: storage.RawEntry{Data: "p", Tag: "t", Placeholder: true}, want: `["p",null,"t",true]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := storage.EncodeEntry(tc.entry)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("encode = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDecodeEntryReadsPlaceholderFlag(t *testing.T) {
	t.Parallel()

	entry, err := storage.DecodeEntry([]byte(`["p",null,null,true]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !entry.Placeholder || entry.Data != "p" {
		t.Fatalf("entry = %#v, want placeholder p", entry)
	}
	entry, err = storage.DecodeEntry([]byte(`["p",null,null]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Placeholder {
		t.Fatal("three element tuple is not a placeholder")
	}
}

func TestDecodeEntryRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`{}`, `[1,2]`, `["x","soon",null]`, `["x",null,null,"yes"]`, `["x",null,null,true,1]`, `["x",null,{"t":1}]`, `not json`} {
		_, err := storage.DecodeEntry([]byte(raw))
		if apperrors.CodeOf(err) != apperrors.CodeMalformedPayload {
			t.Fatalf("decode %s = %v, want malformed payload", raw, err)
		}
	}
}

func TestValidTagMatchesTagsEqual(t *testing.T) {
	t.Parallel()

	for _, tag := range []any{nil, "v", int8(1), int32(1), uint(1), uint64(1), float32(1), float64(1)} {
		if !storage.ValidTag(tag) {
			t.Fatalf("ValidTag(%T) = false", tag)
		}
	}
	for _, tag := range []any{true, []any{1}, map[string]any{}} {
		if storage.ValidTag(tag) {
			t.Fatalf("ValidTag(%T) = true", tag)
		}
	}
	if !storage.TagsEqual(int32(1), uint(1)) {
		t.Fatal("numeric tags should compare by value")
	}
}

func TestExpiredAndTagMatches(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(10_000)
	entry := storage.RawEntry{ExpireAt: now, Tag: float64(2)}
	if !entry.Expired(now) {
		t.Fatal("entry expiring at now should be expired")
	}
	if entry.Expired(now.Add(-time.Millisecond)) {
		t.Fatal("entry should be live before expiry")
	}
	if (storage.RawEntry{}).Expired(now.Add(time.Hour)) {
		t.Fatal("zero expiry never expires")
	}
	if !entry.TagMatches(2) {
		t.Fatal("int tag should match float tag of same value")
	}
	if entry.TagMatches("2") || entry.TagMatches(nil) {
		t.Fatal("string or absent tag must not match numeric tag")
	}
	if !(storage.RawEntry{}).TagMatches(nil) {
		t.Fatal("absent tag matches absent tag")
	}
}
