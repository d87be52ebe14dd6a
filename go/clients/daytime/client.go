package daytime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"
)

// ErrMalformed is returned when a daytime reply has no parsable timestamp.
var ErrMalformed = errors.New("malformed daytime response")

var stamp = regexp.MustCompile(`(\d{2})-(\d{2})-(\d{2}) (\d{2}):(\d{2}):(\d{2})`)

const maxReply = 512

// Client reads time from a daytime protocol (RFC 867) host, such as the
// NIST servers on port 13.
type Client struct {
	name   string
	addr   string
	dialer net.Dialer
}

func NewClient(name, addr string) *Client {
	return &Client{name: name, addr: addr}
}

func (c *Client) Name() string {
	return c.name
}

// Now dials the host and parses the line it sends before closing.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	reply, err := io.ReadAll(io.LimitReader(conn, maxReply))
	if err != nil && len(reply) == 0 {
		return time.Time{}, fmt.Errorf("read %s: %w", c.addr, err)
	}
	t, err := Parse(reply)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", c.addr, err)
	}
	return t, nil
}

// Parse extracts the first "yy-mm-dd hh:mm:ss" stamp, read as UTC in
// the years 2000-2099.
func Parse(reply []byte) (time.Time, error) {
	m := stamp.FindSubmatch(reply)
	if m == nil {
		return time.Time{}, ErrMalformed
	}
	var f [6]int
	for i := range f {
		f[i], _ = strconv.Atoi(string(m[i+1]))
	}
	yy, mo, dd, hh, mi, ss := f[0], f[1], f[2], f[3], f[4], f[5]
	if mo < 1 || mo > 12 || dd < 1 || dd > 31 || hh > 23 || mi > 59 || ss > 60 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, m[0])
	}
	t := time.Date(2000+yy, time.Month(mo), dd, hh, mi, ss, 0, time.UTC)
	if t.Day() != dd {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, m[0])
	}
	return t, nil
}
