// Command swarmget is a command-line BitTorrent client driving the
// metainfo, tracker, peer, and download packages against a .torrent file.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/swarmget/swarmget/download"
	"github.com/swarmget/swarmget/metainfo"
	"github.com/swarmget/swarmget/peer"
	"github.com/swarmget/swarmget/tracker"
	"github.com/swarmget/swarmget/wire"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: swarmget <info|peers|handshake|download> <torrent-file> [args...]")
}

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	torrentPath := os.Args[2]

	m, err := openMetainfo(torrentPath)
	if err != nil {
		log.Fatal(err)
	}

	switch cmd {
	case "info":
		runInfo(m)
	case "peers":
		runPeers(m)
	case "handshake":
		if len(os.Args) < 4 {
			usage()
			os.Exit(1)
		}
		runHandshake(m, os.Args[3])
	case "download":
		runDownload(m)
	default:
		usage()
		os.Exit(1)
	}
}

func openMetainfo(path string) (*metainfo.Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open torrent file: %w", err)
	}
	defer f.Close()
	return metainfo.Parse(f)
}

func runInfo(m *metainfo.Metainfo) {
	infoHash := m.InfoHash()
	fmt.Printf("Tracker URL: %s\n", m.Announce)
	fmt.Printf("Length: %d\n", m.Info.Length())
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(infoHash[:]))
	fmt.Printf("Piece Length: %d\n", m.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range m.Info.Pieces {
		fmt.Println(hex.EncodeToString(h[:]))
	}
}

func runPeers(m *metainfo.Metainfo) {
	addrs, err := tracker.Announce(m, download.NewPeerID(), 6881)
	if err != nil {
		log.Fatal(err)
	}
	for _, a := range addrs {
		fmt.Println(a.String())
	}
}

func runHandshake(m *metainfo.Metainfo, addrStr string) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		log.Fatalf("parse peer address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("parse peer port: %v", err)
	}

	addr := peer.Addr{IP: net.ParseIP(host), Port: uint16(port)}
	infoHash := m.InfoHash()
	peerID := download.NewPeerID()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		log.Fatalf("connect to peer: %v", err)
	}
	defer conn.Close()

	req := wire.NewHandshake(infoHash, peerID)
	if _, err := conn.Write(req.Serialize()); err != nil {
		log.Fatalf("write handshake: %v", err)
	}
	res, err := wire.ReadHandshake(conn)
	if err != nil {
		log.Fatalf("read handshake: %v", err)
	}
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(res.PeerID[:]))
}

func runDownload(m *metainfo.Metainfo) {
	logger := logrus.StandardLogger()

	cfg := download.DefaultConfig()
	cfg.Logger = logger

	downloaded, err := download.All(context.Background(), m, download.NewPeerID(), cfg)
	if err != nil {
		logger.Fatal(err)
	}

	for _, f := range downloaded.ByFile() {
		name := strings.Join(f.Path, string(os.PathSeparator))
		if dir := dirOf(name); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				logger.Fatal(err)
			}
		}
		if err := os.WriteFile(name, f.Bytes, 0o644); err != nil {
			logger.Fatal(err)
		}
		fmt.Printf("wrote %s (%d bytes)\n", name, len(f.Bytes))
	}
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, os.PathSeparator)
	if idx < 0 {
		return ""
	}
	return path[:idx]
}
