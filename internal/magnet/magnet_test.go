package magnet

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"

	bencode "github.com/jackpal/bencode-go"
)

const validMagnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=test"

func TestParseInfohash(t *testing.T) {
	hash, err := ParseInfohash(validMagnet)
	if err != nil {
		t.Fatalf("ParseInfohash failed: %v", err)
	}
	if hash != "0123456789abcdef0123456789abcdef01234567" {
		t.Errorf("unexpected hash %s", hash)
	}

	// Uppercase hex normalizes to lowercase.
	hash, err = ParseInfohash("magnet:?xt=urn:btih:" + strings.ToUpper("0123456789abcdef0123456789abcdef01234567"))
	if err != nil || hash != "0123456789abcdef0123456789abcdef01234567" {
		t.Errorf("uppercase hash not normalized: %s / %v", hash, err)
	}

	if _, err := ParseInfohash("magnet:?dn=nothing"); err == nil {
		t.Error("Expected error for magnet without btih")
	}
}

func TestParseInfohashBase32(t *testing.T) {
	b32 := "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	hash, err := ParseInfohash("magnet:?xt=urn:btih:" + b32)
	if err != nil {
		t.Fatalf("base32 infohash rejected: %v", err)
	}
	if hash != strings.ToLower(b32) {
		t.Errorf("unexpected base32 hash %s", hash)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		magnet string
		ok     bool
	}{
		{"valid", validMagnet, true},
		{"empty", "", false},
		{"no prefix", "xt=urn:btih:0123456789abcdef0123456789abcdef01234567", false},
		{"no btih", "magnet:?dn=x", false},
		{"bad hash length", "magnet:?xt=urn:btih:abcdef", false},
		{"too long", "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=" + strings.Repeat("a", MaxMagnetLength), false},
	}
	for _, tc := range cases {
		err := Validate(tc.magnet)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestFromTorrent(t *testing.T) {
	info := map[string]interface{}{
		"name":         "example.bin",
		"piece length": int64(16384),
		"pieces":       "01234567890123456789",
		"length":       int64(1000),
	}
	meta := map[string]interface{}{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, meta); err != nil {
		t.Fatalf("build fixture: %v", err)
	}

	link, err := FromTorrent(buf.Bytes(), true)
	if err != nil {
		t.Fatalf("FromTorrent failed: %v", err)
	}

	// The infohash must be the sha1 of the re-encoded info dict.
	var infoBuf bytes.Buffer
	bencode.Marshal(&infoBuf, info)
	sum := sha1.Sum(infoBuf.Bytes())
	want := hex.EncodeToString(sum[:])

	hash, err := ParseInfohash(link)
	if err != nil || hash != want {
		t.Errorf("Expected infohash %s, got %s / %v", want, hash, err)
	}
	if !strings.Contains(link, "dn=example.bin") {
		t.Errorf("display name missing from %s", link)
	}
	if !strings.Contains(link, "tr=") {
		t.Errorf("tracker missing from %s", link)
	}

	// Trackers can be omitted.
	link, _ = FromTorrent(buf.Bytes(), false)
	if strings.Contains(link, "tr=") {
		t.Errorf("tracker present despite includeTrackers=false: %s", link)
	}
}

func TestFromTorrentMultiFile(t *testing.T) {
	info := map[string]interface{}{
		"name":         "bundle",
		"piece length": int64(32768),
		"pieces":       "01234567890123456789",
		"files": []interface{}{
			map[string]interface{}{"length": int64(10), "path": []interface{}{"a.bin"}},
			map[string]interface{}{"length": int64(20), "path": []interface{}{"sub", "b.bin"}},
		},
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, map[string]interface{}{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}); err != nil {
		t.Fatalf("build fixture: %v", err)
	}

	link, err := FromTorrent(buf.Bytes(), false)
	if err != nil {
		t.Fatalf("FromTorrent failed on multi-file torrent: %v", err)
	}
	if !strings.Contains(link, "dn=bundle") {
		t.Errorf("display name missing from %s", link)
	}

	var infoBuf bytes.Buffer
	bencode.Marshal(&infoBuf, info)
	sum := sha1.Sum(infoBuf.Bytes())
	if hash, _ := ParseInfohash(link); hash != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected infohash %s", hash)
	}
}

func TestFromTorrentRejectsGarbage(t *testing.T) {
	if _, err := FromTorrent([]byte("not bencoded"), true); err == nil {
		t.Error("Expected error for non-bencoded data")
	}
	if _, err := FromTorrent([]byte("de"), true); err == nil {
		t.Error("Expected error for torrent without info dict")
	}
}

func TestLinkIdentifier(t *testing.T) {
	a, err := LinkIdentifier("https://Example.COM:443/path/file.bin#frag")
	if err != nil {
		t.Fatalf("LinkIdentifier failed: %v", err)
	}
	b, err := LinkIdentifier("https://example.com/path/file.bin")
	if err != nil {
		t.Fatalf("LinkIdentifier failed: %v", err)
	}
	if a != b {
		t.Errorf("normalized URLs must share an identifier: %s vs %s", a, b)
	}

	c, _ := LinkIdentifier("https://example.com/path/other.bin")
	if a == c {
		t.Error("different paths must not collide")
	}

	if _, err := LinkIdentifier("ftp://example.com/x"); err == nil {
		t.Error("Expected error for non-http scheme")
	}
}
