// Command match-client sends orders to a matcher and prints what comes
// back. Input is CSV order lines on stdin or from a file; the wire encoding
// and transport are selectable, which makes it useful for poking at every
// protocol path the server supports.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/framing"
	"github.com/luxfi/matcher/pkg/proto"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9001", "Server address")
	transport := flag.String("transport", "tcp", "Transport: tcp or udp")
	wire := flag.String("proto", "csv", "Wire protocol: csv or binary")
	framed := flag.Bool("framed", true, "Length-prefix binary messages on TCP")
	file := flag.String("file", "", "Read orders from file instead of stdin")
	linger := flag.Duration("linger", 500*time.Millisecond, "How long to wait for replies after the last order")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)

	useBinary := *wire == "binary"
	if *transport == "udp" {
		*framed = false
	}

	conn, err := net.Dial(*transport, *addr)
	if err != nil {
		logger.Error("dial failed", "addr", *addr, "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "addr", *addr, "transport", *transport, "proto", *wire)

	in := os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Error("open failed", "file", *file, "err", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	done := make(chan struct{})
	if useBinary {
		go printBinaryReplies(conn, *transport == "tcp", done)
	} else {
		go printCSVReplies(conn, *transport == "tcp", done)
	}

	sent := 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		msg, err := proto.ParseCSVInput(line)
		if err != nil {
			logger.Warn("skipping bad line", "line", line, "err", err)
			continue
		}
		var payload []byte
		if useBinary {
			rec := proto.AppendBinaryInput(nil, &msg)
			if *framed {
				payload = framing.AppendFrame(nil, rec)
			} else {
				payload = rec
			}
		} else {
			payload = append([]byte(line), '\n')
		}
		if _, err := conn.Write(payload); err != nil {
			logger.Error("send failed", "err", err)
			os.Exit(1)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		logger.Error("input error", "err", err)
	}

	// Give in-flight replies a chance to land before exiting.
	select {
	case <-done:
	case <-time.After(*linger):
	}
	logger.Info("done", "sent", sent)
}

// printCSVReplies echoes newline-terminated CSV replies.
func printCSVReplies(conn net.Conn, stream bool, done chan<- struct{}) {
	defer close(done)
	if stream {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				fmt.Print(line)
			}
			if err != nil {
				return
			}
		}
	}
	var buf [2048]byte
	for {
		n, err := conn.Read(buf[:])
		if n > 0 {
			fmt.Print(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// printBinaryReplies decodes binary replies and renders them as CSV lines.
// TCP replies arrive length-prefixed, UDP replies one record per datagram.
func printBinaryReplies(conn net.Conn, stream bool, done chan<- struct{}) {
	defer close(done)
	var buf [2048]byte
	if stream {
		dec := framing.NewDecoder()
		for {
			n, err := conn.Read(buf[:])
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					payload, perr := dec.Next()
					if perr != nil || payload == nil {
						break
					}
					printRecord(payload)
				}
			}
			if err != nil {
				return
			}
		}
	}
	for {
		n, err := conn.Read(buf[:])
		if n > 0 {
			printRecord(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func printRecord(data []byte) {
	msg, _, err := proto.DecodeBinaryOutput(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "undecodable reply: %v\n", err)
		return
	}
	fmt.Print(proto.FormatCSVOutput(&msg))
}
