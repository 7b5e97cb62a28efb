// Package redisstub runs a minimal in-process Redis speaking enough RESP2 for
// go-redis clients to append to and inspect streams.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

// Entry is one stream record.
type Entry struct {
	ID     string
	Values map[string]string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string][]Entry
	lastMS   int64
	lastSeq  int64
	closed   chan struct{}
	certPEM  []byte
	commands []string
	conns    map[net.Conn]struct{}
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:    opts,
		streams: make(map[string][]Entry),
		closed:  make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Entries returns a copy of the records appended to stream.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.streams[stream]
	out := make([]Entry, len(src))
	for i, entry := range src {
		values := make(map[string]string, len(entry.Values))
		for k, v := range entry.Values {
			values[k] = v
		}
		out[i] = Entry{ID: entry.ID, Values: values}
	}
	return out
}

// Commands lists every command name received, upper-cased, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		var writeErr error
		switch cmd {
		case "PING":
			writeErr = writeSimpleString(writer, "PONG")
		case "AUTH":
			// AUTH password or AUTH username password.
			if len(args) < 2 || len(args) > 3 {
				writeErr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || args[len(args)-1] == s.opts.Password {
				authenticated = true
				writeErr = writeSimpleString(writer, "OK")
			} else {
				writeErr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT":
			writeErr = writeSimpleString(writer, "OK")
		case "HELLO", "CLIENT":
			// Clients fall back to RESP2 and skip connection naming.
			writeErr = writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
		default:
			if !authenticated {
				writeErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			writeErr = s.dispatch(writer, cmd, args)
		}
		if writeErr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		n := len(s.streams[args[1]])
		s.mu.Unlock()
		return writeInteger(writer, int64(n))
	case "DEL":
		s.mu.Lock()
		removed := 0
		for _, key := range args[1:] {
			if _, ok := s.streams[key]; ok {
				delete(s.streams, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, int64(removed))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

// handleXAdd accepts XADD key [NOMKSTREAM] [MAXLEN [=|~] n] [LIMIT n] id field value ...
func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	idx := 2
	maxLen := -1
	for idx < len(args) {
		token := strings.ToUpper(args[idx])
		if token == "NOMKSTREAM" {
			idx++
			continue
		}
		if token == "MAXLEN" || token == "LIMIT" {
			idx++
			if idx < len(args) && (args[idx] == "~" || args[idx] == "=") {
				idx++
			}
			if idx >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			n, err := strconv.Atoi(args[idx])
			if err != nil {
				return writeError(writer, "ERR value is not an integer or out of range")
			}
			if token == "MAXLEN" {
				maxLen = n
			}
			idx++
			continue
		}
		break
	}
	if idx >= len(args) || (len(args)-idx-1)%2 != 0 || len(args)-idx-1 == 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	values := make(map[string]string)
	for i := idx + 1; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}

	s.mu.Lock()
	id := args[idx]
	if id == "*" {
		id = s.nextID()
	}
	entries := append(s.streams[args[1]], Entry{ID: id, Values: values})
	if maxLen >= 0 && len(entries) > maxLen {
		entries = append([]Entry(nil), entries[len(entries)-maxLen:]...)
	}
	s.streams[args[1]] = entries
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func (s *Server) nextID() string {
	ms := time.Now().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS
		s.lastSeq++
	} else {
		s.lastMS = ms
		s.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", ms, s.lastSeq)
}

func generateSelfSignedCert() ([]byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
