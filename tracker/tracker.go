// Package tracker announces to a torrent's tracker over HTTP and decodes the
// compact peer list from its response.
package tracker

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/swarmget/swarmget/metainfo"
	"github.com/swarmget/swarmget/peer"
)

const requestTimeout = 15 * time.Second

// bencodeResponse mirrors the tracker's bencoded reply. Peers is the compact
// representation: 6 bytes per peer, 4 for the IPv4 address and 2 for the
// big-endian port.
type bencodeResponse struct {
	FailureReason string `bencode:"failure reason,omitempty"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// Announce queries m's tracker for the swarm's current peer list. peerID
// identifies this client to the tracker; port is the (possibly fictitious,
// since swarmget does not accept inbound connections) listening port
// reported in the request.
func Announce(m *metainfo.Metainfo, peerID [20]byte, port uint16) ([]peer.Addr, error) {
	announceURL, err := buildURL(m, peerID, port)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Get(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce request: %w", err)
	}
	defer resp.Body.Close()

	var tr bencodeResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	if tr.FailureReason != "" {
		return nil, fmt.Errorf("tracker: %s", tr.FailureReason)
	}

	return decodePeers([]byte(tr.Peers))
}

func buildURL(m *metainfo.Metainfo, peerID [20]byte, port uint16) (string, error) {
	base, err := url.Parse(m.Announce)
	if err != nil {
		return "", fmt.Errorf("tracker: parse announce url: %w", err)
	}

	infoHash := m.InfoHash()
	params := url.Values{
		"peer_id":    []string{string(peerID[:])},
		"port":       []string{strconv.Itoa(int(port))},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{strconv.Itoa(m.Info.Length())},
		"compact":    []string{"1"},
	}
	base.RawQuery = params.Encode() + "&info_hash=" + percentEncode(infoHash[:])
	return base.String(), nil
}

// percentEncode escapes raw bytes the way url.Values.Encode would, but
// applied to the already-binary info hash rather than a UTF-8 string:
// url.QueryEscape mangles non-UTF-8 byte sequences, so every byte is encoded
// explicitly.
func percentEncode(b []byte) string {
	var buf bytes.Buffer
	for _, v := range b {
		fmt.Fprintf(&buf, "%%%02X", v)
	}
	return buf.String()
}

const peerRecordLen = 6

func decodePeers(raw []byte) ([]peer.Addr, error) {
	if len(raw)%peerRecordLen != 0 {
		return nil, fmt.Errorf("tracker: compact peer list length %d is not a multiple of %d", len(raw), peerRecordLen)
	}
	n := len(raw) / peerRecordLen
	addrs := make([]peer.Addr, n)
	for i := 0; i < n; i++ {
		rec := raw[i*peerRecordLen : (i+1)*peerRecordLen]
		addrs[i] = peer.Addr{
			IP:   net.IPv4(rec[0], rec[1], rec[2], rec[3]),
			Port: uint16(rec[4])<<8 | uint16(rec[5]),
		}
	}
	return addrs, nil
}
