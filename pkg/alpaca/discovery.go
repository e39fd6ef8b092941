package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DiscoveryPort is the UDP port Alpaca clients broadcast discovery
// requests to.
const DiscoveryPort = 32227

const discoveryRequest = "alpacadiscovery1"

// DiscoveryResponder responds to Alpaca discovery requests.
type DiscoveryResponder struct {
	addr           string
	port           int
	alpacaResponse string
	logger         log.FieldLogger
}

// NewDiscoveryResponder creates a responder advertising alpacaPort. It
// listens on addr:DiscoveryPort once Run is called.
func NewDiscoveryResponder(addr string, alpacaPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:           addr,
		port:           DiscoveryPort,
		alpacaResponse: fmt.Sprintf(`{"AlpacaPort": %d}`, alpacaPort),
		logger:         logger,
	}
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	buf := make([]byte, 1024)

	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, fmt.Sprint(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}
	defer sock.Close()

	d.logger.Debugf("Discovery responder started on %s", sock.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Set a read deadline to periodically check for context cancellation
		sock.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %s from %s", data, addr)

		if strings.Contains(data, discoveryRequest) {
			if _, err := sock.WriteToUDP([]byte(d.alpacaResponse), addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
