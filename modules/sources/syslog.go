package sources

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagalog/saga/pkg/logparse"
)

const udpReceiveBuffer = 4 * 1024

var metricSyslogMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "saga",
	Name:      "sources_syslog_messages_total",
	Help:      "Syslog messages received per listener.",
}, []string{"protocol"})

// SyslogListener receives syslog frames on one (protocol, port) pair, parses
// them and pushes the records into the buffer.
type SyslogListener struct {
	services.Service

	src       SourceConfig
	sourceTag string
	buffer    Buffer
	coord     *Coordinator
	logger    log.Logger

	udpConn  net.PacketConn
	tcpLn    net.Listener
	connsMtx sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewSyslogListener(src SourceConfig, buffer Buffer, coord *Coordinator, logger log.Logger) *SyslogListener {
	l := &SyslogListener{
		src:       src,
		sourceTag: fmt.Sprintf("syslog-%s:%d", src.Protocol, src.Port),
		buffer:    buffer,
		coord:     coord,
		logger:    logger,
		conns:     map[net.Conn]struct{}{},
	}
	l.Service = services.NewBasicService(l.starting, l.running, l.stopping)
	return l
}

func (l *SyslogListener) starting(_ context.Context) error {
	addr := fmt.Sprintf(":%d", l.src.Port)

	switch l.src.Protocol {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("listening on udp %s: %w", addr, err)
		}
		l.udpConn = conn
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on tcp %s: %w", addr, err)
		}
		l.tcpLn = ln
	default:
		return fmt.Errorf("unknown syslog protocol %q", l.src.Protocol)
	}

	level.Info(l.logger).Log("msg", "syslog listener started", "source", l.src.Name, "protocol", l.src.Protocol, "port", l.src.Port)
	return nil
}

func (l *SyslogListener) running(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if l.udpConn != nil {
			l.receiveUDP()
		} else {
			l.acceptTCP()
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		select {
		case <-ctx.Done():
			return nil
		default:
			return fmt.Errorf("syslog listener %s exited unexpectedly", l.src.Name)
		}
	}
}

func (l *SyslogListener) stopping(_ error) error {
	if l.udpConn != nil {
		_ = l.udpConn.Close()
	}
	if l.tcpLn != nil {
		_ = l.tcpLn.Close()
	}

	l.connsMtx.Lock()
	for c := range l.conns {
		_ = c.Close()
	}
	l.connsMtx.Unlock()

	l.wg.Wait()
	return nil
}

func (l *SyslogListener) receiveUDP() {
	buf := make([]byte, udpReceiveBuffer)
	for {
		n, _, err := l.udpConn.ReadFrom(buf)
		if err != nil {
			return
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			l.ingest(line)
		}
	}
}

func (l *SyslogListener) acceptTCP() {
	for {
		conn, err := l.tcpLn.Accept()
		if err != nil {
			return
		}

		l.connsMtx.Lock()
		l.conns[conn] = struct{}{}
		l.connsMtx.Unlock()

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *SyslogListener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.connsMtx.Lock()
		delete(l.conns, conn)
		l.connsMtx.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, udpReceiveBuffer), udpReceiveBuffer)
	for scanner.Scan() {
		l.ingest(scanner.Text())
	}
}

func (l *SyslogListener) ingest(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !l.coord.ShouldProcess(l.src.ID) {
		return
	}
	metricSyslogMessages.WithLabelValues(l.src.Protocol).Inc()
	l.buffer.Add(logparse.ParseSyslog(line, l.sourceTag))
}
