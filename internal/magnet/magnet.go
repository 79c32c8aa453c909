// Package magnet handles magnet links, infohash extraction and
// .torrent → magnet conversion.
package magnet

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// Matches a BitTorrent infohash in a magnet link, hex (40) or base32 (32).
var btihRE = regexp.MustCompile(`(?i)btih:([0-9A-Fa-f]{40}|[A-Z2-7]{32})`)

var (
	ErrNoInfohash   = errors.New("magnet: infohash not found")
	ErrNotBencoded  = errors.New("magnet: torrent data is not bencoded")
	ErrNoInfoDict   = errors.New("magnet: torrent missing info dictionary")
	MaxMagnetLength = 10000
)

// ParseInfohash extracts the lowercase infohash from a magnet link.
func ParseInfohash(magnet string) (string, error) {
	m := btihRE.FindStringSubmatch(magnet)
	if m == nil {
		return "", ErrNoInfohash
	}
	return strings.ToLower(m[1]), nil
}

// Validate checks the overall shape of a magnet link without touching
// the network.
func Validate(magnet string) error {
	if magnet == "" {
		return errors.New("magnet: empty link")
	}
	if len(magnet) > MaxMagnetLength {
		return errors.New("magnet: link too long")
	}
	if !strings.HasPrefix(magnet, "magnet:") {
		return errors.New("magnet: missing magnet: prefix")
	}
	if !strings.Contains(strings.ToLower(magnet), "xt=urn:btih:") {
		return errors.New("magnet: missing btih info hash")
	}
	if _, err := ParseInfohash(magnet); err != nil {
		return err
	}
	return nil
}

// FromTorrent converts raw .torrent bytes into a magnet link. The infohash
// is the sha1 of the re-encoded info dictionary, which is how the swarm
// identifies the torrent regardless of outer metadata.
func FromTorrent(data []byte, includeTrackers bool) (string, error) {
	if len(data) == 0 || data[0] != 'd' {
		return "", ErrNotBencoded
	}

	decoded, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("magnet: decode torrent: %w", err)
	}
	meta, ok := decoded.(map[string]interface{})
	if !ok {
		return "", ErrNotBencoded
	}
	info, ok := meta["info"].(map[string]interface{})
	if !ok {
		return "", ErrNoInfoDict
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return "", fmt.Errorf("magnet: re-encode info dict: %w", err)
	}
	sum := sha1.Sum(buf.Bytes())
	infohash := hex.EncodeToString(sum[:])

	parts := []string{"magnet:?xt=urn:btih:" + infohash}
	if name, ok := info["name"].(string); ok && name != "" {
		parts = append(parts, "dn="+url.QueryEscape(name))
	}
	if announce, ok := meta["announce"].(string); includeTrackers && ok && announce != "" {
		parts = append(parts, "tr="+url.QueryEscape(announce))
	}
	return strings.Join(parts, "&"), nil
}

// LinkIdentifier derives the stable dedup key for a direct HTTP(S) link:
// sha1 over the normalized URL (scheme+host lowercased, fragment and
// default port stripped).
func LinkIdentifier(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("magnet: parse link: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("magnet: link must be http or https")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	sum := sha1.Sum([]byte(u.String()))
	return hex.EncodeToString(sum[:]), nil
}
