package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	ncerr "apcgate/internal/errors"
	"apcgate/internal/nis"
	"apcgate/internal/transport"
	"apcgate/util"
)

func newProbe(addr, format string, out *bytes.Buffer) *ProbeMode {
	return &ProbeMode{
		Dialer:  &transport.TCPDialer{Timeout: time.Second},
		Address: addr,
		Command: nis.CommandFrame,
		Format:  format,
		Timeout: 2 * time.Second,
		Out:     out,
		Logger:  util.NewLogger(0),
	}
}

func TestProbe_Raw(t *testing.T) {
	addr := startNIS(t, statusRecords, false)
	var out bytes.Buffer

	if err := newProbe(addr, "raw", &out).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != strings.Join(statusRecords, "") {
		t.Errorf("output = %q", out.String())
	}
}

func TestProbe_JSON(t *testing.T) {
	addr := startNIS(t, statusRecords, false)
	var out bytes.Buffer

	if err := newProbe(addr, "json", &out).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", out.String(), err)
	}
	if got["STATUS"] != "ONLINE" || got["UPSNAME"] != "rack-ups" {
		t.Errorf("fields = %v", got)
	}
	// Report order is kept.
	if strings.Index(out.String(), `"APC"`) > strings.Index(out.String(), `"BCHARGE"`) {
		t.Errorf("keys out of report order:\n%s", out.String())
	}
}

func TestProbe_YAML(t *testing.T) {
	addr := startNIS(t, statusRecords, false)
	var out bytes.Buffer

	if err := newProbe(addr, "yaml", &out).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got map[string]string
	if err := yaml.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid YAML %q: %v", out.String(), err)
	}
	if got["APC"] != "001,036,0877" || got["BCHARGE"] != "100.0 Percent" {
		t.Errorf("fields = %v", got)
	}
	if !strings.HasPrefix(out.String(), "APC: ") {
		t.Errorf("first key should be APC:\n%s", out.String())
	}
}

func TestProbe_TruncatedResponse(t *testing.T) {
	addr := startNIS(t, statusRecords, true)
	var out bytes.Buffer

	err := newProbe(addr, "raw", &out).Run(context.Background())
	if !errors.Is(err, ncerr.ErrBackendClosed) {
		t.Fatalf("err = %v, want ErrBackendClosed", err)
	}
	if out.Len() != 0 {
		t.Errorf("partial output written: %q", out.String())
	}
}

func TestProbe_MaxPayload(t *testing.T) {
	addr := startNIS(t, statusRecords, false)
	var out bytes.Buffer

	p := newProbe(addr, "raw", &out)
	p.MaxPayload = 10
	if err := p.Run(context.Background()); !ncerr.IsProtocol(err) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestProbe_BackendDown(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	p := newProbe(util.FormatAddr("127.0.0.1", port), "raw", &out)
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestProbe_CommandFrame(t *testing.T) {
	tests := []struct {
		name    string
		command []byte
		wantErr bool // the backend never sees a complete frame
	}{
		{"nil falls back to status", nil, false},
		{"status", nis.CommandFrame, false},
		{"empty frame", []byte{}, true},
		{"truncated prefix", []byte{0x00}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startNIS(t, statusRecords, false)
			var out, log bytes.Buffer

			p := newProbe(addr, "raw", &out)
			p.Command = tt.command
			p.Timeout = 200 * time.Millisecond
			p.Logger = util.NewLogger(int(util.LogVerbose))
			p.Logger.SetOutput(&log)

			err := p.Run(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run: err = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(log.String(), "sent ") {
				t.Errorf("no request logged:\n%s", log.String())
			}
		})
	}
}

func TestProbe_LogsUPSState(t *testing.T) {
	addr := startNIS(t, statusRecords, false)
	var out, log bytes.Buffer

	p := newProbe(addr, "json", &out)
	p.Logger = util.NewLogger(int(util.LogVerbose))
	p.Logger.SetOutput(&log)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(log.String(), "rack-ups reports ONLINE") {
		t.Errorf("log = %q, want UPS name and status", log.String())
	}
}

func TestCommandName(t *testing.T) {
	tests := []struct {
		frame []byte
		want  string
	}{
		{nil, ""},
		{[]byte{0x00}, ""},
		{[]byte{0x00, 0x00}, ""},
		{nis.CommandFrame, "status"},
	}
	for _, tt := range tests {
		if got := commandName(tt.frame); got != tt.want {
			t.Errorf("commandName(%x) = %q, want %q", tt.frame, got, tt.want)
		}
	}
}

func TestStatusJSON_Escaping(t *testing.T) {
	st := nis.Status{Fields: []nis.Field{{Key: "MODEL", Value: `Smart-UPS "1500"`}}}
	var got map[string]string
	if err := json.Unmarshal(statusJSON(st), &got); err != nil {
		t.Fatal(err)
	}
	if got["MODEL"] != `Smart-UPS "1500"` {
		t.Errorf("MODEL = %q", got["MODEL"])
	}
}
