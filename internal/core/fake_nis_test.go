package core

import (
	"io"
	"net"
	"testing"

	"apcgate/internal/nis"
)

// startNIS serves a fixed set of records for every command it reads.
// truncate drops the terminator and closes instead.
func startNIS(t *testing.T, records []string, truncate bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	var resp []byte
	for _, r := range records {
		resp = nis.AppendRecord(resp, []byte(r))
	}
	if !truncate {
		resp = nis.AppendRecord(resp, nil)
	}

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				prefix := make([]byte, 2)
				for {
					if _, err := io.ReadFull(c, prefix); err != nil {
						return
					}
					body := make([]byte, int(prefix[0])<<8|int(prefix[1]))
					if _, err := io.ReadFull(c, body); err != nil {
						return
					}
					if _, err := c.Write(resp); err != nil || truncate {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

var statusRecords = []string{
	"APC      : 001,036,0877\n",
	"UPSNAME  : rack-ups\n",
	"STATUS   : ONLINE \n",
	"BCHARGE  : 100.0 Percent\n",
}
