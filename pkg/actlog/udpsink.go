package actlog

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/labrack/labrack/pkg/util"
)

// UDPRingCapacity is the number of raw device-log lines retained.
const UDPRingCapacity = 2000

// UDPSink listens for datagrams from devices under test, keeps the raw
// lines in a bounded ring and mirrors each line into the activity log
// with the source IP prefixed.
type UDPSink struct {
	conn *net.UDPConn
	log  *Log

	mu    sync.Mutex
	lines []string

	t tomb.Tomb
}

// StartUDPSink binds the sink on the given UDP port and starts the
// receive loop.
func StartUDPSink(port int, log *Log) (*UDPSink, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("actlog: bind udp sink on :%d: %w", port, err)
	}

	s := &UDPSink{conn: conn, log: log}
	s.t.Go(s.loop)
	util.Logger.Infof("actlog: udp log sink listening on :%d", port)
	return s, nil
}

// Addr returns the bound UDP address (useful when port 0 was requested).
func (s *UDPSink) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Lines returns the retained raw lines, oldest first.
func (s *UDPSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Stop terminates the receive loop and closes the socket.
func (s *UDPSink) Stop() error {
	s.t.Kill(nil)
	err := s.t.Wait()
	s.conn.Close()
	return err
}

func (s *UDPSink) loop() error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.t.Dying():
			return nil
		default:
		}

		// Short read timeout keeps the shutdown check responsive.
		s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.t.Dying():
				return nil
			default:
			}
			util.Logger.Warnf("actlog: udp sink read: %v", err)
			continue
		}
		s.ingest(src.IP.String(), buf[:n])
	}
}

func (s *UDPSink) ingest(srcIP string, data []byte) {
	text := strings.ToValidUTF8(string(data), "�")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		s.mu.Lock()
		s.lines = append(s.lines, line)
		if len(s.lines) > UDPRingCapacity {
			s.lines = s.lines[len(s.lines)-UDPRingCapacity:]
		}
		s.mu.Unlock()

		s.log.Add(Info, srcIP+": "+line)
	}
}
