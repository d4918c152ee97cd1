package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ncerr "apcgate/internal/errors"
	"apcgate/internal/nis"
	"apcgate/internal/transport"
	"apcgate/util"
)

// DefaultProbeTimeout bounds a probe when no timeout is configured.
const DefaultProbeTimeout = 10 * time.Second

// ProbeMode performs one request cycle against the backend and prints
// the reassembled payload, much like apcaccess.
type ProbeMode struct {
	Dialer     transport.Dialer
	Address    string
	Command    []byte // encoded command frame
	Format     string // raw, json or yaml
	Timeout    time.Duration
	MaxPayload int
	Out        io.Writer
	Logger     *util.Logger
}

// Run dials, sends the command and writes the result to Out.
func (m *ProbeMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := m.fetch(ctx)
	if err != nil {
		return err
	}
	return m.render(payload)
}

// fetch runs one cycle through a nis.Session, the same state machine
// the gateway uses, with a synthetic client event to start it.
func (m *ProbeMode) fetch(ctx context.Context) ([]byte, error) {
	conn, err := m.Dialer.Dial(ctx, "tcp", m.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl) //nolint:errcheck
	}

	cmd := m.Command
	if cmd == nil {
		cmd = nis.CommandFrame
	}
	sess := nis.NewSession(nis.Options{Command: cmd, MaxPayload: m.MaxPayload})
	req := sess.ClientData([]byte{'\n'})
	if _, err := conn.Write(req.Bytes(nis.ToBackend)); err != nil {
		return nil, ncerr.Wrap("write", m.Address, err)
	}
	m.Logger.Verbose("sent %q to %s", commandName(cmd), m.Address)

	for {
		chunk, rerr := util.ReadChunk(conn)
		if chunk.Len() > 0 {
			acts, perr := sess.BackendData(chunk.Bytes())
			chunk.Release()
			if perr != nil {
				return nil, perr
			}
			if acts != nil {
				m.Logger.Debug("%d records, %d bytes", len(sess.Records()), sess.PayloadLen())
				return bytes.Join(sess.Records(), nil), nil
			}
		}
		if rerr != nil {
			if util.IsHarmless(rerr) {
				return nil, fmt.Errorf("%w before the end of the response", ncerr.ErrBackendClosed)
			}
			return nil, ncerr.Wrap("read", m.Address, rerr)
		}
	}
}

func (m *ProbeMode) render(payload []byte) error {
	out := m.Out
	if out == nil {
		out = os.Stdout
	}

	if m.Format == "" || m.Format == "raw" {
		_, err := out.Write(payload)
		return err
	}

	st, err := nis.ParseStatus(payload)
	if err != nil {
		return err
	}
	if name, ok := st.Get("UPSNAME"); ok {
		status, _ := st.Get("STATUS")
		m.Logger.Verbose("%s reports %s", name, status)
	}
	switch m.Format {
	case "json":
		_, err = out.Write(statusJSON(st))
		return err
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(statusYAML(st)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", m.Format)
	}
}

// commandName strips the length prefix off an encoded command frame.
func commandName(frame []byte) string {
	if len(frame) < 2 {
		return ""
	}
	return string(frame[2:])
}

// statusJSON renders the fields as one JSON object in report order;
// encoding/json would sort map keys.
func statusJSON(st nis.Status) []byte {
	var b bytes.Buffer
	b.WriteString("{\n")
	for i, f := range st.Fields {
		k, _ := json.Marshal(f.Key)
		v, _ := json.Marshal(f.Value)
		fmt.Fprintf(&b, "  %s: %s", k, v)
		if i < len(st.Fields)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("}\n")
	return b.Bytes()
}

// statusYAML builds a mapping node so keys keep report order.
func statusYAML(st nis.Status) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range st.Fields {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: f.Value, Style: yaml.DoubleQuotedStyle},
		)
	}
	return node
}
