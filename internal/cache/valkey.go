package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValkeyProvider implements Store backed by a Valkey/Redis-compatible server.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the Valkey cluster.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

var _ Store = (*ValkeyProvider)(nil)

// NewValkeyProvider creates a Provider using the supplied configuration. It performs a ping
// against the target to fail fast when credentials or connectivity are incorrect.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}

	normaliseDurations(&cfg)
	provider := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := provider.Ping(ctx); err != nil {
		return nil, err
	}

	return provider, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		reply, err := vc.do("GET", []byte(key))
		if err != nil {
			return err
		}

		switch reply.typ {
		case replyNil:
			return ErrCacheMiss
		case replyBulkString:
			payload = reply.data
			return nil
		default:
			return fmt.Errorf("unexpected valkey reply type %q for GET", reply.typ)
		}
	})
	return payload, err
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		reply, err := vc.do("SET", withTTL([][]byte{[]byte(key), value}, ttl)...)
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || string(reply.data) != "OK" {
			return fmt.Errorf("unexpected SET response: %s", reply.data)
		}
		return nil
	})
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		args := withTTL([][]byte{[]byte(key), value}, ttl)
		args = append(args, []byte("NX"))
		reply, err := vc.do("SET", args...)
		if err != nil {
			return err
		}
		switch reply.typ {
		case replySimpleString:
			ok = true
			return nil
		case replyNil:
			ok = false
			return nil
		default:
			return fmt.Errorf("unexpected SETNX response type: %s", reply.typ)
		}
	})
	return ok, err
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		_, err := vc.do("DEL", []byte(key))
		return err
	})
}

// Append adds an entry to a stream (XADD) and returns its server-assigned id.
// It is not retried: a retry after a lost reply could append twice.
func (p *ValkeyProvider) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	var id string
	err := p.withConnOnce(ctx, func(vc *valkeyConn) error {
		args := [][]byte{[]byte(stream), []byte("*")}
		for _, k := range sortedKeys(fields) {
			args = append(args, []byte(k), []byte(fields[k]))
		}
		reply, err := vc.do("XADD", args...)
		if err != nil {
			return err
		}
		if reply.typ != replyBulkString {
			return fmt.Errorf("unexpected XADD response type: %s", reply.typ)
		}
		id = string(reply.data)
		return nil
	})
	return id, err
}

// CreateGroup creates a consumer group, creating the stream if needed. An
// existing group yields ErrGroupExists.
func (p *ValkeyProvider) CreateGroup(ctx context.Context, stream, group, start string) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		_, err := vc.do("XGROUP", []byte("CREATE"), []byte(stream), []byte(group), []byte(start), []byte("MKSTREAM"))
		if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return ErrGroupExists
		}
		return err
	})
}

// ReadGroup claims up to count new entries for consumer, blocking up to block.
func (p *ValkeyProvider) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error) {
	var messages []StreamMessage
	err := p.withConnOnce(ctx, func(vc *valkeyConn) error {
		args := [][]byte{[]byte("GROUP"), []byte(group), []byte(consumer)}
		if count > 0 {
			args = append(args, []byte("COUNT"), []byte(strconv.Itoa(count)))
		}
		if block > 0 {
			args = append(args, []byte("BLOCK"), []byte(strconv.FormatInt(block.Milliseconds(), 10)))
			vc.readGrace = block
		}
		args = append(args, []byte("STREAMS"), []byte(stream), []byte(">"))

		reply, err := vc.do("XREADGROUP", args...)
		if err != nil {
			return err
		}
		if reply.typ == replyNil {
			return nil
		}
		messages, err = parseStreamReply(reply)
		return err
	})
	return messages, err
}

// ReadPending re-reads this consumer's unacknowledged entries after the given
// id (XREADGROUP with an explicit id instead of ">").
func (p *ValkeyProvider) ReadPending(ctx context.Context, stream, group, consumer, after string, count int) ([]StreamMessage, error) {
	if after == "" {
		after = "0"
	}
	var messages []StreamMessage
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		args := [][]byte{[]byte("GROUP"), []byte(group), []byte(consumer)}
		if count > 0 {
			args = append(args, []byte("COUNT"), []byte(strconv.Itoa(count)))
		}
		args = append(args, []byte("STREAMS"), []byte(stream), []byte(after))

		reply, err := vc.do("XREADGROUP", args...)
		if err != nil {
			return err
		}
		if reply.typ == replyNil {
			return nil
		}
		messages, err = parseStreamReply(reply)
		return err
	})
	return messages, err
}

// Ack acknowledges processed entries (XACK).
func (p *ValkeyProvider) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var acked int64
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		args := [][]byte{[]byte(stream), []byte(group)}
		for _, id := range ids {
			args = append(args, []byte(id))
		}
		reply, err := vc.do("XACK", args...)
		if err != nil {
			return err
		}
		acked, err = reply.integer()
		return err
	})
	return acked, err
}

// Len returns the number of entries in a stream.
func (p *ValkeyProvider) Len(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		reply, err := vc.do("XLEN", []byte(stream))
		if err != nil {
			return err
		}
		n, err = reply.integer()
		return err
	})
	return n, err
}

// Groups lists the consumer groups attached to a stream (XINFO GROUPS).
func (p *ValkeyProvider) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	var groups []GroupInfo
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		reply, err := vc.do("XINFO", []byte("GROUPS"), []byte(stream))
		if err != nil {
			return err
		}
		if reply.typ != replyArray {
			return fmt.Errorf("unexpected XINFO response type: %s", reply.typ)
		}
		for _, item := range reply.elems {
			info := GroupInfo{}
			for i := 0; i+1 < len(item.elems); i += 2 {
				value := item.elems[i+1]
				switch string(item.elems[i].data) {
				case "name":
					info.Name = string(value.data)
				case "consumers":
					info.Consumers, _ = value.integer()
				case "pending":
					info.Pending, _ = value.integer()
				case "last-delivered-id":
					info.LastDeliveredID = string(value.data)
				}
			}
			groups = append(groups, info)
		}
		return nil
	})
	return groups, err
}

// Close closes the underlying client (no-op for stateless provider).
func (p *ValkeyProvider) Close() error { return nil }

// Ping checks connectivity and credentials.
func (p *ValkeyProvider) Ping(ctx context.Context) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		reply, err := vc.do("PING")
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || string(reply.data) != "PONG" {
			return fmt.Errorf("unexpected PING response: %s", reply.data)
		}
		return nil
	})
}

func (p *ValkeyProvider) withConn(ctx context.Context, fn func(*valkeyConn) error) error {
	return p.attempt(ctx, p.cfg.MaxRetries, fn)
}

func (p *ValkeyProvider) withConnOnce(ctx context.Context, fn func(*valkeyConn) error) error {
	return p.attempt(ctx, 1, fn)
}

func (p *ValkeyProvider) attempt(ctx context.Context, retries int, fn func(*valkeyConn) error) error {
	var lastErr error
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vc, err := p.dial(ctx)
		if err != nil {
			lastErr = err
			if shouldRetry(err) && attempt < retries-1 {
				time.Sleep(backoff(attempt))
				continue
			}
			return err
		}

		// Closing the connection is the only way to interrupt a blocked read.
		stop := context.AfterFunc(ctx, vc.close)
		err = p.bootstrap(vc)
		if err == nil {
			err = fn(vc)
		}
		stop()
		vc.close()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if shouldRetry(err) && attempt < retries-1 {
			time.Sleep(backoff(attempt))
			continue
		}
		return err
	}
	return lastErr
}

func (p *ValkeyProvider) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := net.Dialer{Timeout: deadlineOr(ctx, p.cfg.DialTimeout)}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host := hostForTLS(p.cfg.Addr)
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	vc := &valkeyConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cfg:    p.cfg,
	}
	return vc, nil
}

func (p *ValkeyProvider) bootstrap(vc *valkeyConn) error {
	if p.cfg.Password != "" {
		args := make([][]byte, 0, 2)
		if p.cfg.Username != "" {
			args = append(args, []byte(p.cfg.Username))
		}
		args = append(args, []byte(p.cfg.Password))
		reply, err := vc.do("AUTH", args...)
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("auth failed: %s", reply.data)
		}
	}
	if p.cfg.DB > 0 {
		reply, err := vc.do("SELECT", []byte(strconv.Itoa(p.cfg.DB)))
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("select failed: %s", reply.data)
		}
	}
	return nil
}

// parseStreamReply decodes [[stream, [[id, [k, v, ...]], ...]], ...].
func parseStreamReply(reply respReply) ([]StreamMessage, error) {
	if reply.typ != replyArray {
		return nil, fmt.Errorf("unexpected stream reply type: %s", reply.typ)
	}
	var messages []StreamMessage
	for _, streamReply := range reply.elems {
		if len(streamReply.elems) != 2 {
			return nil, fmt.Errorf("malformed stream reply")
		}
		for _, entry := range streamReply.elems[1].elems {
			if len(entry.elems) != 2 {
				return nil, fmt.Errorf("malformed stream entry")
			}
			msg := StreamMessage{
				ID:     string(entry.elems[0].data),
				Fields: make(map[string]string, len(entry.elems[1].elems)/2),
			}
			kv := entry.elems[1].elems
			for i := 0; i+1 < len(kv); i += 2 {
				msg.Fields[string(kv[i].data)] = string(kv[i+1].data)
			}
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// replyType enumerates the subset of RESP types needed by the provider.
type replyType string

const (
	replySimpleString replyType = "+"
	replyBulkString   replyType = "$"
	replyError        replyType = "-"
	replyInteger      replyType = ":"
	replyArray        replyType = "*"
	replyNil          replyType = "_"
)

type respReply struct {
	typ   replyType
	data  []byte
	elems []respReply
}

func (r respReply) integer() (int64, error) {
	if r.typ != replyInteger {
		return 0, fmt.Errorf("expected integer reply, got %q", r.typ)
	}
	return strconv.ParseInt(string(r.data), 10, 64)
}

// valkeyConn wraps a network connection with RESP helpers.
type valkeyConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    ValkeyConfig

	// readGrace extends the read deadline for blocking commands.
	readGrace time.Duration
}

func (vc *valkeyConn) close() {
	_ = vc.conn.Close()
}

func (vc *valkeyConn) do(command string, args ...[]byte) (respReply, error) {
	parts := make([][]byte, 0, len(args)+1)
	parts = append(parts, []byte(command))
	parts = append(parts, args...)
	if err := vc.write(parts...); err != nil {
		return respReply{}, err
	}
	return vc.readReply()
}

func (vc *valkeyConn) write(parts ...[]byte) error {
	if err := vc.conn.SetWriteDeadline(time.Now().Add(vc.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(vc.writer, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, part := range parts {
		if _, err := fmt.Fprintf(vc.writer, "$%d\r\n", len(part)); err != nil {
			return err
		}
		if _, err := vc.writer.Write(part); err != nil {
			return err
		}
		if _, err := vc.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return vc.writer.Flush()
}

func (vc *valkeyConn) readReply() (respReply, error) {
	if err := vc.conn.SetReadDeadline(time.Now().Add(vc.cfg.ReadTimeout + vc.readGrace)); err != nil {
		return respReply{}, err
	}
	return vc.readValue()
}

func (vc *valkeyConn) readValue() (respReply, error) {
	prefix, err := vc.reader.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	switch prefix {
	case '+':
		line, err := vc.readLine()
		return respReply{typ: replySimpleString, data: line}, err
	case '-':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		return respReply{}, errors.New(string(line))
	case ':':
		line, err := vc.readLine()
		return respReply{typ: replyInteger, data: line}, err
	case '$':
		size, err := vc.readSize()
		if err != nil {
			return respReply{}, err
		}
		if size == -1 {
			return respReply{typ: replyNil}, nil
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(vc.reader, buf); err != nil {
			return respReply{}, err
		}
		if err := vc.expectCRLF(); err != nil {
			return respReply{}, err
		}
		return respReply{typ: replyBulkString, data: buf}, nil
	case '*':
		size, err := vc.readSize()
		if err != nil {
			return respReply{}, err
		}
		if size == -1 {
			return respReply{typ: replyNil}, nil
		}
		elems := make([]respReply, 0, size)
		for i := 0; i < size; i++ {
			elem, err := vc.readValue()
			if err != nil {
				return respReply{}, err
			}
			elems = append(elems, elem)
		}
		return respReply{typ: replyArray, elems: elems}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (vc *valkeyConn) readSize() (int, error) {
	line, err := vc.readLine()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(line))
}

func (vc *valkeyConn) readLine() ([]byte, error) {
	line, err := vc.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return []byte(line), nil
}

func (vc *valkeyConn) expectCRLF() error {
	b1, err := vc.reader.ReadByte()
	if err != nil {
		return err
	}
	b2, err := vc.reader.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("invalid line termination")
	}
	return nil
}

func withTTL(args [][]byte, ttl time.Duration) [][]byte {
	if ttl > 0 {
		ms := strconv.FormatInt(ttl.Milliseconds(), 10)
		args = append(args, []byte("PX"), []byte(ms))
	}
	return args
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normaliseDurations(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
}

func deadlineOr(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if d == 0 || remaining < d {
			return remaining
		}
	}
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func backoff(attempt int) time.Duration {
	base := 25 * time.Millisecond
	return time.Duration(1<<attempt) * base
}

func shouldRetry(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostForTLS(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
