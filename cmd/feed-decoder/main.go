// Command feed-decoder subscribes to the matcher's multicast feed, prints
// each record as a CSV line, and reports sequence gaps so feed health is
// visible at a glance.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/server"
)

func main() {
	group := flag.String("group", "239.255.0.1:9003", "Multicast group address")
	ifaceName := flag.String("iface", "", "Interface to join on (default: system choice)")
	quiet := flag.Bool("quiet", false, "Suppress per-message output, report only gaps and totals")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)

	groupAddr, err := net.ResolveUDPAddr("udp", *group)
	if err != nil {
		logger.Error("bad group address", "group", *group, "err", err)
		os.Exit(1)
	}
	var iface *net.Interface
	if *ifaceName != "" {
		iface, err = net.InterfaceByName(*ifaceName)
		if err != nil {
			logger.Error("bad interface", "iface", *ifaceName, "err", err)
			os.Exit(1)
		}
	}
	conn, err := net.ListenMulticastUDP("udp", iface, groupAddr)
	if err != nil {
		logger.Error("join failed", "group", *group, "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	conn.SetReadBuffer(1 << 20)
	logger.Info("listening", "group", *group)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		conn.Close()
	}()

	var (
		received uint64
		gaps     uint64
		lost     uint64
		lastSeq  uint64
	)
	var buf [2048]byte
	for {
		n, _, err := conn.ReadFromUDP(buf[:])
		if err != nil {
			break
		}
		seq, msg, err := server.DecodeFeedDatagram(buf[:n])
		if err != nil {
			logger.Warn("undecodable datagram", "len", n, "err", err)
			continue
		}
		received++
		if lastSeq != 0 && seq != lastSeq+1 {
			gaps++
			lost += seq - lastSeq - 1
			logger.Warn("sequence gap", "expected", lastSeq+1, "got", seq, "lost", seq-lastSeq-1)
		}
		lastSeq = seq
		if !*quiet {
			fmt.Printf("%d %s", seq, proto.FormatCSVOutput(&msg))
		}
	}
	logger.Info("decoder stats", "received", received, "gaps", gaps, "lost", lost, "lastSeq", lastSeq)
}
