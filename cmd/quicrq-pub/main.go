// Command quicrq-pub is a minimal CLI publisher: it chunks a file (or
// stdin) into fixed-size fragments and POSTs them to a relay/origin node
// as a single-group object stream, for manual and integration testing of
// the triangle topology (spec.md §2, scenario 1).
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/quic-go/quic-go"

	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/transport"
	"github.com/alxayo/quicrq/internal/wire"
)

const fragmentSize = 1200 // below a typical path MTU's datagram budget

func main() {
	addr := flag.String("addr", "", "Relay/origin QUIC address")
	sni := flag.String("sni", "", "TLS server name")
	url := flag.String("url", "", "Media source URL to publish")
	insecure := flag.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (testing only)")
	input := flag.String("input", "-", "File to publish, or - for stdin")
	flag.Parse()

	if *addr == "" || *url == "" {
		fmt.Fprintln(os.Stderr, "usage: quicrq-pub -addr host:port -url URL [-input file]")
		os.Exit(2)
	}

	logger.Init()
	log := logger.Logger().With("component", "quicrq_pub")

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Error("open input", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	ctx := context.Background()
	tlsConf := &tls.Config{
		ServerName:         *sni,
		NextProtos:         []string{"quicrq"},
		InsecureSkipVerify: *insecure,
	}

	qconn, err := quic.DialAddr(ctx, *addr, tlsConf, nil)
	if err != nil {
		log.Error("dial failed", "error", err)
		os.Exit(1)
	}
	conn := quicrq.Accept(quicrq.NewContext(quicrq.RoleConfig{}), qconn, transport.Config{})
	go func() { _ = conn.Serve(ctx) }()

	s, err := conn.OpenPostStream(ctx, *url)
	if err != nil {
		log.Error("open post stream failed", "error", err)
		os.Exit(1)
	}

	if err := publish(s, r); err != nil && !errors.Is(err, io.EOF) {
		log.Error("publish failed", "error", err)
		os.Exit(1)
	}
	log.Info("publish complete", "url", *url)
}

// publish reads r in fragmentSize chunks and emits one REPAIR message per
// chunk, then a FIN once r is exhausted.
func publish(s *transport.Stream, r io.Reader) error {
	buf := make([]byte, fragmentSize)
	var objectID uint64
	for {
		n, err := r.Read(buf)
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return err
		}
		if n > 0 {
			msg := &wire.Repair{ObjectID: objectID, Offset: 0, IsLastFragment: true, Data: append([]byte(nil), buf[:n]...)}
			if werr := wire.WriteMessage(s, msg); werr != nil {
				return werr
			}
			objectID++
		}
		if eof {
			return wire.WriteMessage(s, &wire.FinDatagram{FinalObjectID: objectID})
		}
	}
}
